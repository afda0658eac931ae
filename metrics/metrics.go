// Package metrics implements the worker-to-supervisor sideband channel
// and the framework counters exposed over it. Per-connection workers
// report a ChildCommunication record for every stage they dispatch; the
// supervisor decodes these to maintain forked/reaped child counts and
// per-stage latency. The wire encoding is MessagePack via
// github.com/tinylib/msgp's streaming Writer/Reader, written by hand
// rather than through msgp's code generator since the record is small
// and fixed-shape.
package metrics

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinylib/msgp/msgp"
)

// ChildCommunication is one event reported by a worker over the sideband
// connection: a stage dispatch completed, with how long it took and what
// it decided.
type ChildCommunication struct {
	WorkerID    string
	ConnID      string
	Stage       string
	DurationUs  int64
	Disposition string
}

// EncodeChildCommunication writes c to w as a 5-field MessagePack map.
func EncodeChildCommunication(w *msgp.Writer, c ChildCommunication) error {
	if err := w.WriteMapHeader(5); err != nil {
		return err
	}
	fields := []struct {
		key string
		val func() error
	}{
		{"worker_id", func() error { return w.WriteString(c.WorkerID) }},
		{"conn_id", func() error { return w.WriteString(c.ConnID) }},
		{"stage", func() error { return w.WriteString(c.Stage) }},
		{"duration_us", func() error { return w.WriteInt64(c.DurationUs) }},
		{"disposition", func() error { return w.WriteString(c.Disposition) }},
	}
	for _, f := range fields {
		if err := w.WriteString(f.key); err != nil {
			return err
		}
		if err := f.val(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// DecodeChildCommunication reads one ChildCommunication record from r.
func DecodeChildCommunication(r *msgp.Reader) (ChildCommunication, error) {
	var c ChildCommunication
	n, err := r.ReadMapHeader()
	if err != nil {
		return c, err
	}
	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return c, err
		}
		switch key {
		case "worker_id":
			c.WorkerID, err = r.ReadString()
		case "conn_id":
			c.ConnID, err = r.ReadString()
		case "stage":
			c.Stage, err = r.ReadString()
		case "duration_us":
			c.DurationUs, err = r.ReadInt64()
		case "disposition":
			c.Disposition, err = r.ReadString()
		default:
			err = r.Skip()
		}
		if err != nil {
			return c, fmt.Errorf("metrics: decoding field %q: %w", key, err)
		}
	}
	return c, nil
}

// latencyAgg tracks a running count and total for one stage's durations.
type latencyAgg struct {
	count int64
	sumUs int64
}

// Registry aggregates ChildCommunication events into the framework
// counters the spec names: forked_children_total, reaped_children_total,
// and per-stage latency.
type Registry struct {
	mu sync.Mutex

	forkedTotal int64
	reapedTotal int64
	stages      map[string]*latencyAgg
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]*latencyAgg)}
}

// RecordFork increments forked_children_total by one, called whenever the
// supervisor hands a newly accepted connection to a worker goroutine.
func (r *Registry) RecordFork() {
	r.mu.Lock()
	r.forkedTotal++
	r.mu.Unlock()
}

// RecordReap increments reaped_children_total by one, called whenever a
// worker goroutine exits.
func (r *Registry) RecordReap() {
	r.mu.Lock()
	r.reapedTotal++
	r.mu.Unlock()
}

// Observe folds c's duration into its stage's running aggregate.
func (r *Registry) Observe(c ChildCommunication) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg := r.stages[c.Stage]
	if agg == nil {
		agg = &latencyAgg{}
		r.stages[c.Stage] = agg
	}
	agg.count++
	agg.sumUs += c.DurationUs
}

// Snapshot is a point-in-time read of every counter the Registry tracks.
type Snapshot struct {
	ForkedChildrenTotal int64
	ReapedChildrenTotal int64
	StageAverageUs      map[string]float64
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		ForkedChildrenTotal: r.forkedTotal,
		ReapedChildrenTotal: r.reapedTotal,
		StageAverageUs:      make(map[string]float64, len(r.stages)),
	}
	for stage, agg := range r.stages {
		if agg.count > 0 {
			s.StageAverageUs[stage] = float64(agg.sumUs) / float64(agg.count)
		}
	}
	return s
}

// Sideband accepts connections on a dedicated listener (matched against
// Config.MetricConnection by the caller) and decodes a stream of
// ChildCommunication records from each into reg.
type Sideband struct {
	reg *Registry
}

// NewSideband returns a Sideband that folds every decoded record into reg.
func NewSideband(reg *Registry) *Sideband {
	return &Sideband{reg: reg}
}

// Serve accepts connections on l until it is closed, decoding a stream of
// ChildCommunication records from each.
func (s *Sideband) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Sideband) handle(conn net.Conn) {
	defer conn.Close()
	r := msgp.NewReader(conn)
	for {
		c, err := DecodeChildCommunication(r)
		if err != nil {
			return
		}
		s.reg.Observe(c)
	}
}

// Reporter is the worker-side half of the sideband: it dials the metrics
// listener once and streams ChildCommunication records for the life of
// the connection.
type Reporter struct {
	mu sync.Mutex
	w  *msgp.Writer
}

// DialReporter connects to the metrics sideband at addr.
func DialReporter(addr string, dialTimeout time.Duration) (*Reporter, net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: dial %s: %w", addr, err)
	}
	return &Reporter{w: msgp.NewWriter(conn)}, conn, nil
}

// Report encodes and sends c.
func (rp *Reporter) Report(c ChildCommunication) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return EncodeChildCommunication(rp.w, c)
}
