package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/clearlot/unitbook/pkg/engine/events"
)

// Journal is a line-delimited JSON record of every observable event,
// separate from the pebble mirror so operators can tail it directly.
type Journal interface {
	Append(e events.Event)
}

type NopJournal struct{}

func NewNopJournal() *NopJournal          { return &NopJournal{} }
func (*NopJournal) Append(_ events.Event) {}

type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Append(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintln(j.f, string(data))
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var (
	_ Journal = (*NopJournal)(nil)
	_ Journal = (*FileJournal)(nil)
)
