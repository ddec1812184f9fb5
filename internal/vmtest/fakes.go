// Package vmtest provides hand-written in-memory fakes for the external
// interfaces (frame pool, page directory, file handle, thread context),
// used across the spt, frametable, and fault test suites and by the demo
// CLI's scripted scenarios. There is no generated-mock layer in this
// module: the fakes are small enough, and few enough, that a mock
// generator would add indirection without buying anything.
package vmtest

import (
	"fmt"
	"sync"

	"github.com/utnfrba-so/vm-core/external"
)

// FramePool is an in-memory external.FramePool backed by a byte arena
// sliced into page-sized frames.
type FramePool struct {
	mu       sync.Mutex
	pageSize int
	frames   map[external.Frame][]byte
	free     []external.Frame
	next     external.Frame
}

// NewFramePool creates a pool of count frames, each pageSize bytes.
func NewFramePool(pageSize, count int) *FramePool {
	p := &FramePool{
		pageSize: pageSize,
		frames:   make(map[external.Frame][]byte, count),
	}
	for i := 0; i < count; i++ {
		p.next++
		p.free = append(p.free, p.next)
	}
	return p
}

func (p *FramePool) Alloc(flags external.PallocFlags) (external.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, external.ErrNoFreeFrame
	}
	f := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	buf := make([]byte, p.pageSize)
	if flags&external.FlagZero != 0 {
		// already zeroed by make
	}
	p.frames[f] = buf
	return f, nil
}

func (p *FramePool) Free(f external.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.frames[f]; !ok {
		panic(fmt.Sprintf("vmtest: Free: frame %d not allocated", f))
	}
	delete(p.frames, f)
	p.free = append(p.free, f)
}

func (p *FramePool) ReadFrame(f external.Frame, buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(buf, p.frames[f])
}

func (p *FramePool) WriteFrame(f external.Frame, buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.frames[f], buf)
}

// FreeCount reports how many frames remain unallocated.
func (p *FramePool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

type pteState struct {
	frame    external.Frame
	writable bool
	dirty    bool
	accessed bool
}

// PageDirectory is an in-memory external.PageDirectory: a map from user
// page to frame plus accessed/dirty bits, standing in for a hardware page
// table.
type PageDirectory struct {
	mu    sync.Mutex
	pages map[external.Page]*pteState
}

// NewPageDirectory creates an empty page directory.
func NewPageDirectory() *PageDirectory {
	return &PageDirectory{pages: make(map[external.Page]*pteState)}
}

func (d *PageDirectory) Install(upage external.Page, kpage external.Frame, writable bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.pages[upage]; exists {
		return false
	}
	d.pages[upage] = &pteState{frame: kpage, writable: writable, accessed: true}
	return true
}

func (d *PageDirectory) Clear(upage external.Page) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pages, upage)
}

func (d *PageDirectory) GetFrame(upage external.Page) (external.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pte, ok := d.pages[upage]
	if !ok {
		return 0, false
	}
	return pte.frame, true
}

func (d *PageDirectory) IsDirty(upage external.Page) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pte, ok := d.pages[upage]; ok {
		return pte.dirty
	}
	return false
}

func (d *PageDirectory) IsAccessed(upage external.Page) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pte, ok := d.pages[upage]; ok {
		return pte.accessed
	}
	return false
}

func (d *PageDirectory) SetDirty(upage external.Page, dirty bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pte, ok := d.pages[upage]; ok {
		pte.dirty = dirty
	}
}

func (d *PageDirectory) SetAccessed(upage external.Page, accessed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pte, ok := d.pages[upage]; ok {
		pte.accessed = accessed
	}
}

// MarkDirty is a test-only helper simulating the CPU setting the dirty
// bit on a write, since this fake has no real MMU behind it.
func (d *PageDirectory) MarkDirty(upage external.Page) {
	d.SetDirty(upage, true)
}

// File is an in-memory external.FileHandle over a byte slice.
type File struct {
	mu   sync.Mutex
	data []byte
}

// NewFile creates a file handle with the given initial content.
func NewFile(data []byte) *File {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &File{data: cp}
}

func (f *File) ReadAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, fmt.Errorf("vmtest: File.ReadAt: offset %d past end (len %d)", off, len(f.data))
	}
	n := copy(b, f.data[off:])
	return n, nil
}

func (f *File) WriteAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(b))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	n := copy(f.data[off:], b)
	return n, nil
}

func (f *File) Length() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

func (f *File) Reopen() (external.FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return NewFile(f.data), nil
}

func (f *File) Close() error { return nil }

// Snapshot returns a copy of the file's current bytes, for assertions.
func (f *File) Snapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(f.data))
	copy(cp, f.data)
	return cp
}

// ThreadContext is an in-memory external.ThreadContext. Killed records
// whether Kill was ever called, since the fake has no real process to
// terminate.
type ThreadContext struct {
	mu       sync.Mutex
	pid      external.PID
	pd       external.PageDirectory
	esp      external.Page
	stackTop external.Page
	Killed   bool
	ExitCode int
}

// NewThreadContext creates a fake thread context for pid using pd as its
// page directory.
func NewThreadContext(pid external.PID, pd external.PageDirectory, esp, stackTop external.Page) *ThreadContext {
	return &ThreadContext{pid: pid, pd: pd, esp: esp, stackTop: stackTop}
}

func (t *ThreadContext) PID() external.PID                    { return t.pid }
func (t *ThreadContext) PageDirectory() external.PageDirectory { return t.pd }
func (t *ThreadContext) StackPointerAtEntry() external.Page    { return t.esp }
func (t *ThreadContext) UserStackTop() external.Page           { return t.stackTop }

func (t *ThreadContext) Kill(status int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Killed = true
	t.ExitCode = status
}
