package clip

// headlessBackend is a no-op clipboard backend for environments without a
// display server (headless hosts, containers, CI). It never produces Watch
// events and rejects writes.
type headlessBackend struct {
	watchCh chan struct{}
}

func newHeadless() *headlessBackend { return &headlessBackend{watchCh: make(chan struct{})} }

func (b *headlessBackend) Name() string          { return "headless (no-op)" }
func (b *headlessBackend) Read() ([]Item, error) { return nil, nil }
func (b *headlessBackend) Write(mime string, _ []byte) error {
	return ErrUnsupported
}
func (b *headlessBackend) Watch() <-chan struct{} { return b.watchCh }
func (b *headlessBackend) Close()                 {}
