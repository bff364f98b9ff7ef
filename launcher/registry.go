// File: launcher/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Registry owns the ports of one application run. It turns deployment
// records into ports, connects the pairs it can reach directly, wires
// crews into bridge groups and queues the pairs whose far end lives in
// another address space for the negotiation driver.

package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/bridge"
	"github.com/momentics/hioload-ports/control"
	"github.com/momentics/hioload-ports/core/concurrency"
	"github.com/momentics/hioload-ports/core/protocol"
	"github.com/momentics/hioload-ports/internal/exchange"
	"github.com/momentics/hioload-ports/internal/logging"
	"github.com/momentics/hioload-ports/port"
)

// Options configure a registry.
type Options struct {
	// Self is where this registry runs. Instances outside it get no ports
	// here; the zero value takes every instance as local.
	Self     api.Locality
	Defaults port.Params
	// Describe supplies port metadata; nil leaves it empty.
	Describe func(inst Instance, port string, role api.Role) port.Metadata

	Exchange    api.Exchanger // nil: remote pairs fail to negotiate
	Subject     string        // prefix of negotiation subjects
	StepTimeout time.Duration
	Exit        protocol.EarlyExit

	// Workers bounds how many remote pairs are driven at once; zero or
	// one drives them in queue order.
	Workers int

	Logger  *zap.Logger
	Metrics *control.Metrics
	Probes  *control.DebugProbes
}

// pendingPair is a connection whose far end negotiates from elsewhere.
type pendingPair struct {
	key  string
	port *port.Port
	peer api.Locality
}

// Registry is the explicit owner of every port of a run.
type Registry struct {
	opts   Options
	log    *zap.Logger
	driver *Driver

	mu      sync.Mutex
	ports   map[string]*port.Port
	order   []string
	groups  map[string]*bridge.Group
	conns   []*port.Connection
	pending *queue.Queue
	serving []func() error
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	log := logging.OrNop(opts.Logger).Named("launcher")
	r := &Registry{
		opts:    opts,
		log:     log,
		ports:   make(map[string]*port.Port),
		groups:  make(map[string]*bridge.Group),
		pending: queue.New(),
	}
	if opts.Exchange != nil {
		r.driver = NewDriver(opts.Exchange, opts.StepTimeout, log)
	}
	return r
}

func (r *Registry) local(in Instance) bool {
	return api.LocationOf(r.opts.Self, in.Locality()) == api.InProcess
}

// memberName is the unique name of one crew member.
func memberName(in Instance) string {
	if in.Crew() > 1 {
		return fmt.Sprintf("%s[%d]", in.Name, in.Member)
	}
	return in.Name
}

// portName names the port of member in that faces peer of a crew of width.
func portName(in Instance, name string, peer, width int) string {
	n := memberName(in) + "." + name
	if width > 1 {
		n += fmt.Sprintf("[%d]", peer)
	}
	return n
}

// Deploy creates, connects and groups the ports d describes. A failure
// leaves what was already built in place for Close.
func (r *Registry) Deploy(d *Deployment) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return api.NewError(api.ErrCodeProtocolViolation, "registry closed")
	}
	crews := d.Members()
	for _, c := range d.Connections {
		if err := r.deploy(crews, c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) deploy(crews map[string][]Instance, c ConnectionRecord) error {
	prods, cons := crews[c.Producer.Instance], crews[c.Consumer.Instance]
	pp, err := EndpointParams(r.opts.Defaults, c.Producer)
	if err != nil {
		return err
	}
	cp, err := EndpointParams(r.opts.Defaults, c.Consumer)
	if err != nil {
		return err
	}
	plan, err := bridge.SelectPolicy(pp.Distribution, cp.Distribution, len(prods), len(cons))
	if err != nil {
		return api.Wrap(err, api.CodeOf(err), "distribution setup failed").
			WithContext("producer", c.Producer.String()).WithContext("consumer", c.Consumer.String())
	}

	// out[i][j] is producer member i's port toward consumer member j,
	// in[j][i] the matching consumer port. Remote members stay nil.
	out := make([][]*port.Port, len(prods))
	for i, in := range prods {
		if !r.local(in) {
			continue
		}
		if out[i], err = r.crewPorts(in, c.Producer.Port, api.Producer, pp, len(cons)); err != nil {
			return err
		}
		if len(cons) > 1 {
			opts := bridge.Options{Policy: plan.Producer, Start: i, Step: plan.ProducerStep, HashField: pp.HashField}
			if err := r.group(memberName(in)+"."+c.Producer.Port, out[i], opts); err != nil {
				return err
			}
		}
	}
	inb := make([][]*port.Port, len(cons))
	for j, in := range cons {
		if !r.local(in) {
			continue
		}
		if inb[j], err = r.crewPorts(in, c.Consumer.Port, api.Consumer, cp, len(prods)); err != nil {
			return err
		}
		if len(prods) > 1 {
			opts := bridge.Options{Policy: plan.Consumer, Start: j, Step: plan.ConsumerStep}
			if err := r.group(memberName(in)+"."+c.Consumer.Port, inb[j], opts); err != nil {
				return err
			}
		}
	}

	for i := range prods {
		for j := range cons {
			key := fmt.Sprintf("%s->%s", portName(prods[i], c.Producer.Port, j, len(cons)), portName(cons[j], c.Consumer.Port, i, len(prods)))
			switch p, q := cell(out, i, j), cell(inb, j, i); {
			case p != nil && q != nil:
				conn, err := port.Negotiate(p, q, r.opts.Exit)
				if err != nil {
					return api.Wrap(err, api.CodeOf(err), "connect failed").WithContext("connection", key)
				}
				r.conns = append(r.conns, conn)
			case p != nil:
				r.pending.Add(&pendingPair{key: key, port: p, peer: cons[j].Locality()})
			case q != nil:
				r.pending.Add(&pendingPair{key: key, port: q, peer: prods[i].Locality()})
			}
		}
	}
	return nil
}

func cell(m [][]*port.Port, a, b int) *port.Port {
	if m[a] == nil {
		return nil
	}
	return m[a][b]
}

func (r *Registry) crewPorts(in Instance, name string, role api.Role, params port.Params, width int) ([]*port.Port, error) {
	out := make([]*port.Port, width)
	for k := range out {
		full := portName(in, name, k, width)
		if _, dup := r.ports[full]; dup {
			return nil, api.NewError(api.ErrCodeInvalidArgument, "port connected twice").WithContext("port", full)
		}
		var meta port.Metadata
		if r.opts.Describe != nil {
			meta = r.opts.Describe(in, name, role)
		}
		p, err := port.New(port.Options{
			Name:     full,
			Role:     role,
			Metadata: meta,
			Locality: in.Locality(),
			Owner:    memberName(in),
			Params:   params,
			Logger:   r.opts.Logger,
			Metrics:  r.opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		r.ports[full] = p
		r.order = append(r.order, full)
		if r.opts.Probes != nil {
			r.opts.Probes.RegisterProbe("port."+full, func() any { return p.State() })
		}
		out[k] = p
	}
	return out, nil
}

func (r *Registry) group(name string, crew []*port.Port, opts bridge.Options) error {
	opts.Name, opts.Logger, opts.Metrics = name, r.opts.Logger, r.opts.Metrics
	g, err := bridge.New(crew, opts)
	if err != nil {
		return err
	}
	r.groups[name] = g
	if r.opts.Probes != nil {
		r.opts.Probes.RegisterProbe("group."+name, func() any {
			return map[string]any{"policy": g.Policy().String(), "next": g.Next(), "members": len(g.Members())}
		})
	}
	return nil
}

// Port looks up a port by member and port name, for example "sink[1].in[0]".
func (r *Registry) Port(name string) (*port.Port, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ports[name]
	return p, ok
}

// Group looks up the bridge group of a crew member's port, for example
// "src.out".
func (r *Registry) Group(name string) (*bridge.Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[name]
	return g, ok
}

// Connections lists every connection made or begun so far.
func (r *Registry) Connections() []*port.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*port.Connection(nil), r.conns...)
}

// Pending is the number of queued remote pairs.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Length()
}

// Negotiate starts every queued remote pair: producer ends are served on
// the exchange, consumer ends drive their peers. Pairs are taken in the
// order they were queued and leave the queue whatever the outcome; a
// failed pair is discarded and needs a new deployment.
func (r *Registry) Negotiate(ctx context.Context) error {
	type drive struct {
		sess    *port.Session
		subject string
	}
	var (
		errs   []error
		drives []drive
	)
	r.mu.Lock()
	for r.pending.Length() > 0 {
		p := r.pending.Remove().(*pendingPair)
		if r.driver == nil {
			errs = append(errs, api.NewError(api.ErrCodeConnection, "no exchange for remote connection").WithContext("connection", p.key))
			continue
		}
		sess, err := p.port.BeginNegotiation(p.key, p.peer, nil, r.opts.Exit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.conns = append(r.conns, sess.Connection())
		subject := exchange.Subject(r.opts.Subject, p.key)
		if p.port.Role() == api.Consumer {
			drives = append(drives, drive{sess: sess, subject: subject})
			continue
		}
		stop, err := r.driver.Serve(sess, subject)
		if err != nil {
			sess.Abort() //nolint:errcheck
			errs = append(errs, err)
			continue
		}
		r.serving = append(r.serving, stop)
		r.log.Debug("serving negotiation", zap.String("subject", subject))
	}
	r.mu.Unlock()

	if r.opts.Workers <= 1 || len(drives) < 2 {
		for _, d := range drives {
			if _, err := r.driver.Drive(ctx, d.sess, d.subject); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	pool := concurrency.NewExecutor(min(r.opts.Workers, len(drives)), len(drives))
	defer pool.Close()
	var (
		emu sync.Mutex
		wg  sync.WaitGroup
	)
	for _, d := range drives {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if _, err := r.driver.Drive(ctx, d.sess, d.subject); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			emu.Lock()
			errs = append(errs, err)
			emu.Unlock()
		}
	}
	wg.Wait()
	r.log.Debug("remote pairs driven", zap.Int("pairs", len(drives)), zap.Int("workers", pool.NumWorkers()))
	return errors.Join(errs...)
}

// Close withdraws every group, stops serving negotiations and disconnects
// every port. It is safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for name, g := range r.groups {
		errs = append(errs, g.Close())
		if r.opts.Probes != nil {
			r.opts.Probes.UnregisterProbe("group." + name)
		}
	}
	for _, stop := range r.serving {
		errs = append(errs, stop())
	}
	for _, name := range r.order {
		errs = append(errs, r.ports[name].Disconnect())
		if r.opts.Probes != nil {
			r.opts.Probes.UnregisterProbe("port." + name)
		}
	}
	for r.pending.Length() > 0 {
		r.pending.Remove()
	}
	r.log.Info("registry closed", zap.Int("ports", len(r.ports)), zap.Int("groups", len(r.groups)))
	return errors.Join(errs...)
}
