// ════════════════════════════════════════════════════════════════════════════════════════════════
// Process Data Channel
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Double-buffered Cyclic Data Exchange
//
// Description:
//   Two fixed-length buffers and an active index.  The single producer fills the inactive
//   buffer and swaps; readers always get the last buffer that was completely written.
//   ReadBuffer, WriteBuffer and SwapBuffers take no lock: the index and the written flag are
//   atomics, so a swap made on one thread is visible to a reader on another.
//
//   A channel may carry a trigger target.  A push that asks for it ticks the target, which is
//   how fresh output from one module drives the modules that consume it.
//
// Caller obligations:
//   - exactly one writer
//   - a reader must finish with a read buffer before the next swap, which hands that buffer
//     back to the writer
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package procdata

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/sha3"

	"rtkernel/trigger"
)

var (
	ErrOutOfRange  = errors.New("procdata: access outside buffer")
	ErrPermission  = errors.New("procdata: token not authorised")
	ErrProviderSet = errors.New("procdata: provider already registered")
	ErrInvalidSize = errors.New("procdata: length must be > 0")
)

type pushTarget struct {
	t   trigger.Target
	clk trigger.ClockID
}

// Token authorises a registered provider or consumer.
type Token [32]byte

// DoubleBuffer is a process-data device.
type DoubleBuffer struct {
	owner string
	name  string
	bufs  [2][]byte

	active  atomic.Uint32
	written atomic.Bool
	target  atomic.Pointer[pushTarget]

	mu        sync.Mutex
	nonce     [16]byte
	provider  *Token
	provName  string
	consumers map[Token]string
}

// New allocates a channel of length bytes per buffer.
func New(length int, owner, name string) (*DoubleBuffer, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: %s.%s: %d", ErrInvalidSize, owner, name, length)
	}
	db := &DoubleBuffer{
		owner:     owner,
		name:      name,
		consumers: make(map[Token]string),
	}
	db.bufs[0] = make([]byte, length)
	db.bufs[1] = make([]byte, length)
	if _, err := rand.Read(db.nonce[:]); err != nil {
		return nil, fmt.Errorf("procdata: nonce: %w", err)
	}
	return db, nil
}

func (db *DoubleBuffer) Owner() string { return db.owner }

func (db *DoubleBuffer) Name() string { return db.name }

// ID is the device identifier "owner.name.pd".
func (db *DoubleBuffer) ID() string { return db.owner + "." + db.name + ".pd" }

// Len returns the fixed buffer length.
func (db *DoubleBuffer) Len() int { return len(db.bufs[0]) }

// ReadBuffer returns the last swapped-in buffer and marks it observed.
func (db *DoubleBuffer) ReadBuffer() []byte {
	db.written.Store(false)
	return db.bufs[db.active.Load()]
}

// Peek is ReadBuffer without clearing the written flag.
func (db *DoubleBuffer) Peek() []byte {
	return db.bufs[db.active.Load()]
}

// WriteBuffer returns the buffer not exposed to readers.
func (db *DoubleBuffer) WriteBuffer() []byte {
	return db.bufs[db.active.Load()^1]
}

// SwapBuffers publishes the write buffer.
func (db *DoubleBuffer) SwapBuffers() {
	db.active.Store(db.active.Load() ^ 1)
	db.written.Store(true)
}

// SetTrigger attaches the target ticked with clk by pushes that fire.  A nil
// target detaches.
func (db *DoubleBuffer) SetTrigger(t trigger.Target, clk trigger.ClockID) {
	if t == nil {
		db.target.Store(nil)
		return
	}
	db.target.Store(&pushTarget{t: t, clk: clk})
}

// Trigger ticks the attached target, if any.
func (db *DoubleBuffer) Trigger() {
	if pt := db.target.Load(); pt != nil {
		pt.t.Trigger(pt.clk)
	}
}

// WrittenSinceLastRead reports whether a swap happened after the last
// ReadBuffer.
func (db *DoubleBuffer) WrittenSinceLastRead() bool {
	return db.written.Load()
}

// SetProvider registers the single producer.
func (db *DoubleBuffer) SetProvider(name string) (Token, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.provider != nil {
		return Token{}, fmt.Errorf("%w: %s holds %s", ErrProviderSet, db.provName, db.ID())
	}
	tok := db.token("provider", name)
	db.provider, db.provName = &tok, name
	return tok, nil
}

// ResetProvider releases the producer slot.
func (db *DoubleBuffer) ResetProvider(tok Token) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.provider == nil || *db.provider != tok {
		return fmt.Errorf("%w: reset provider of %s", ErrPermission, db.ID())
	}
	db.provider, db.provName = nil, ""
	return nil
}

// Provider returns the registered producer name, if any.
func (db *DoubleBuffer) Provider() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.provName
}

// SetConsumer registers a reader.  Any number of consumers may register.
func (db *DoubleBuffer) SetConsumer(name string) (Token, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	tok := db.token("consumer", name)
	db.consumers[tok] = name
	return tok, nil
}

// ResetConsumer removes a reader.
func (db *DoubleBuffer) ResetConsumer(tok Token) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.consumers[tok]; !ok {
		return fmt.Errorf("%w: reset consumer of %s", ErrPermission, db.ID())
	}
	delete(db.consumers, tok)
	return nil
}

// Write copies p into the write buffer at off.  With push set the buffer is
// published as by Push.
func (db *DoubleBuffer) Write(tok Token, off int, p []byte, push, fire bool) error {
	if !db.isProvider(tok) {
		return fmt.Errorf("%w: write %s", ErrPermission, db.ID())
	}
	if err := db.bounds(off, len(p)); err != nil {
		return err
	}
	copy(db.WriteBuffer()[off:], p)
	if push {
		db.push(fire)
	}
	return nil
}

// Push swaps the write buffer in and copies the fresh read buffer back, so
// the next partial write starts from the data just published.  With fire
// set the attached trigger target is ticked afterwards.
func (db *DoubleBuffer) Push(tok Token, fire bool) error {
	if !db.isProvider(tok) {
		return fmt.Errorf("%w: push %s", ErrPermission, db.ID())
	}
	db.push(fire)
	return nil
}

func (db *DoubleBuffer) push(fire bool) {
	db.SwapBuffers()
	copy(db.WriteBuffer(), db.Peek())
	if fire {
		db.Trigger()
	}
}

// Read copies len(p) bytes at off from the read buffer into p.  With pop
// set the read is recorded (WrittenSinceLastRead turns false).
func (db *DoubleBuffer) Read(tok Token, off int, p []byte, pop bool) (int, error) {
	if !db.isConsumer(tok) {
		return 0, fmt.Errorf("%w: read %s", ErrPermission, db.ID())
	}
	if err := db.bounds(off, len(p)); err != nil {
		return 0, err
	}
	src := db.Peek()
	if pop {
		src = db.ReadBuffer()
	}
	return copy(p, src[off:]), nil
}

func (db *DoubleBuffer) bounds(off, n int) error {
	if off < 0 || n < 0 || off > db.Len()-n {
		return fmt.Errorf("%w: %s: offset %d + %d > %d", ErrOutOfRange, db.ID(), off, n, db.Len())
	}
	return nil
}

func (db *DoubleBuffer) isProvider(tok Token) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.provider != nil && *db.provider == tok
}

func (db *DoubleBuffer) isConsumer(tok Token) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.consumers[tok]
	return ok
}

func (db *DoubleBuffer) token(role, name string) Token {
	h := sha3.New256()
	h.Write([]byte(db.ID()))
	h.Write([]byte{0})
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write(db.nonce[:])
	var tok Token
	h.Sum(tok[:0])
	return tok
}
