package progress

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const refreshInterval = 700 * time.Millisecond

// Lines redraws a single status line on a ticker.
type Lines struct {
	w io.Writer

	mu   sync.Mutex
	snap Snapshot

	stop    chan struct{}
	stopped sync.WaitGroup
	once    sync.Once
}

func NewLines(w io.Writer) *Lines {
	return &Lines{w: w, stop: make(chan struct{})}
}

func (l *Lines) Start() {
	l.stopped.Add(1)
	go func() {
		defer l.stopped.Done()
		t := time.NewTicker(refreshInterval)
		defer t.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-t.C:
				fmt.Fprintf(l.w, "\r\033[2K%s", l.render())
			}
		}
	}()
}

func (l *Lines) Update(s Snapshot) {
	l.mu.Lock()
	l.snap = s
	l.mu.Unlock()
}

func (l *Lines) Stop(final string) {
	l.once.Do(func() {
		close(l.stop)
		l.stopped.Wait()
		if final == "" {
			final = l.render()
		}
		fmt.Fprintf(l.w, "\r\033[2K%s\n", final)
	})
}

func (l *Lines) render() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return summaryLine(l.snap)
}
