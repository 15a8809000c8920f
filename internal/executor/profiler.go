package executor

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type profileKey struct {
	op, device string
}

// ProfileEntry accumulates every run of one op on one device type.
type ProfileEntry struct {
	Op       string        `json:"op"`
	Device   string        `json:"device"`
	Calls    int           `json:"calls"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Ops      int64         `json:"ops"`
	GOPS     float64       `json:"gops"`
	Fraction float64       `json:"fraction"`
}

// Profiler keeps entries in first-seen order.
type Profiler struct {
	mu      sync.Mutex
	enabled bool
	entries *orderedmap.OrderedMap[profileKey, *ProfileEntry]
}

func newProfiler() *Profiler {
	return &Profiler{entries: orderedmap.New[profileKey, *ProfileEntry]()}
}

func (p *Profiler) Enable(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = on
}

func (p *Profiler) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *Profiler) Record(op, dev string, elapsed time.Duration, ops int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := profileKey{op, dev}
	entry, ok := p.entries.Get(key)
	if !ok {
		entry = &ProfileEntry{Op: op, Device: dev}
		p.entries.Set(key, entry)
	}
	entry.Calls++
	entry.Elapsed += elapsed
	entry.Ops += ops
}

func (p *Profiler) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = orderedmap.New[profileKey, *ProfileEntry]()
}

// Report returns a snapshot with throughput and share of total time filled in.
func (p *Profiler) Report() []ProfileEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total time.Duration
	for pair := p.entries.Oldest(); pair != nil; pair = pair.Next() {
		total += pair.Value.Elapsed
	}
	out := make([]ProfileEntry, 0, p.entries.Len())
	for pair := p.entries.Oldest(); pair != nil; pair = pair.Next() {
		e := *pair.Value
		if secs := e.Elapsed.Seconds(); secs > 0 {
			e.GOPS = float64(e.Ops) / secs / 1e9
		}
		if total > 0 {
			e.Fraction = float64(e.Elapsed) / float64(total)
		}
		out = append(out, e)
	}
	return out
}

func (p *Profiler) Print(w io.Writer) {
	report := p.Report()
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"OP", "DEVICE", "CALLS", "TIME", "SHARE", "GOPS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	var total time.Duration
	for _, e := range report {
		total += e.Elapsed
		table.Append([]string{
			e.Op,
			e.Device,
			fmt.Sprint(e.Calls),
			e.Elapsed.Round(time.Microsecond).String(),
			fmt.Sprintf("%.1f%%", e.Fraction*100),
			fmt.Sprintf("%.3f", e.GOPS),
		})
	}
	table.SetFooter([]string{"", "", "", total.Round(time.Microsecond).String(), "", ""})
	table.Render()
}

func (p *Profiler) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p.Report())
}

// PrintProfiler renders the accumulated profile as a table.
func (e *Executor) PrintProfiler(w io.Writer) { e.profiler.Print(w) }

func (e *Executor) ProfileReport() []ProfileEntry { return e.profiler.Report() }

func (e *Executor) WriteProfileJSON(w io.Writer) error { return e.profiler.WriteJSON(w) }
