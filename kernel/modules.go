// modules.go
//
// Built-in module kinds.
//
//   counter  increments a 64-bit value every tick and publishes it at
//            offset 0 of its own process data
//   mirror   copies the published process data of its source module into
//            its own
//
// Both push with the trigger flag set, so modules attached to their outputs
// device run once per publication.

package kernel

import (
	"encoding/binary"
	"fmt"

	"rtkernel/procdata"
	"rtkernel/worker"
)

// Producer is a module that publishes process data.
type Producer interface {
	worker.Module
	Output() *procdata.DoubleBuffer
}

// Builtins returns a registry holding the built-in kinds.
func Builtins() *Registry {
	r := NewRegistry()
	_ = r.Register("counter", NewCounter)
	_ = r.Register("mirror", NewMirror)
	return r
}

const minPDLength = 8

type counter struct {
	name string
	pd   *procdata.DoubleBuffer
	tok  procdata.Token
	n    uint64
	buf  [8]byte
}

// NewCounter builds a counter module.
func NewCounter(env Env) (worker.Module, error) {
	n := max(env.Config.PDLength, minPDLength)
	pd, err := procdata.New(n, env.Config.Name, "outputs")
	if err != nil {
		return nil, err
	}
	tok, err := pd.SetProvider(env.Config.Name)
	if err != nil {
		return nil, err
	}
	pd.SetTrigger(env.Outputs, env.OutputsClock)
	return &counter{name: env.Config.Name, pd: pd, tok: tok}, nil
}

func (c *counter) Name() string { return c.name }

func (c *counter) Output() *procdata.DoubleBuffer { return c.pd }

func (c *counter) Tick() error {
	c.n++
	binary.LittleEndian.PutUint64(c.buf[:], c.n)
	return c.pd.Write(c.tok, 0, c.buf[:], true, true)
}

type mirror struct {
	name   string
	src    *procdata.DoubleBuffer
	srcTok procdata.Token
	pd     *procdata.DoubleBuffer
	tok    procdata.Token
	buf    []byte
}

// NewMirror builds a mirror of env.Config.Source, which must be a Producer
// declared earlier in the document.
func NewMirror(env Env) (worker.Module, error) {
	name := env.Config.Name
	up, ok := env.Lookup(env.Config.Source)
	if !ok {
		return nil, fmt.Errorf("%w: mirror %s: source %q must be declared before it", ErrNoSuchModule, name, env.Config.Source)
	}
	p, ok := up.(Producer)
	if !ok {
		return nil, fmt.Errorf("kernel: mirror %s: source %q publishes no process data", name, env.Config.Source)
	}
	src := p.Output()
	srcTok, err := src.SetConsumer(name)
	if err != nil {
		return nil, err
	}
	pd, err := procdata.New(src.Len(), name, "outputs")
	if err != nil {
		return nil, err
	}
	tok, err := pd.SetProvider(name)
	if err != nil {
		return nil, err
	}
	pd.SetTrigger(env.Outputs, env.OutputsClock)
	return &mirror{
		name:   name,
		src:    src,
		srcTok: srcTok,
		pd:     pd,
		tok:    tok,
		buf:    make([]byte, src.Len()),
	}, nil
}

func (m *mirror) Name() string { return m.name }

func (m *mirror) Output() *procdata.DoubleBuffer { return m.pd }

func (m *mirror) Tick() error {
	if _, err := m.src.Read(m.srcTok, 0, m.buf, false); err != nil {
		return err
	}
	return m.pd.Write(m.tok, 0, m.buf, true, true)
}

// Close releases the consumer registration on the source.
func (m *mirror) Close() error {
	return m.src.ResetConsumer(m.srcTok)
}
