package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/vjranagit/metricpipe/pkg/types"
)

const spillSuffix = ".spill"

// SpillLog persists observations that could not be flushed before
// shutdown, so that the next start can replay them.
//
// Each Append writes one file of JSON lines.
type SpillLog struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
	seq int
}

// NewSpillLog creates the spill directory if needed.
func NewSpillLog(dir string) (*SpillLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create spill directory")
	}
	return &SpillLog{dir: dir, now: time.Now}, nil
}

// Dir returns the spill directory.
func (s *SpillLog) Dir() string { return s.dir }

// Append writes obs to a new spill file and syncs it.
func (s *SpillLog) Append(obs []types.Observation) error {
	if len(obs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	name := filepath.Join(s.dir, fmt.Sprintf("%020d-%04d%s", s.now().UnixNano(), s.seq, spillSuffix))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "open spill file")
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, o := range obs {
		if err := enc.Encode(o); err != nil {
			_ = file.Close()
			return errors.Wrap(err, "write spill entry")
		}
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return errors.Wrap(err, "flush spill file")
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return errors.Wrap(err, "sync spill file")
	}
	return file.Close()
}

// Replay hands the content of every spill file to handler, oldest first,
// and removes each file once handler accepted it. A file whose handler
// fails is kept for the next replay.
func (s *SpillLog) Replay(handler func([]types.Observation) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read spill directory")
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), spillSuffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var replayed int
	for _, name := range names {
		filename := filepath.Join(s.dir, name)
		obs, err := readSpillFile(filename)
		if err != nil {
			return replayed, errors.Wrapf(err, "read %s", filename)
		}
		if err := handler(obs); err != nil {
			return replayed, errors.Wrapf(err, "replay %s", filename)
		}
		replayed += len(obs)
		if err := os.Remove(filename); err != nil {
			return replayed, errors.Wrapf(err, "remove %s", filename)
		}
	}
	return replayed, nil
}

func readSpillFile(filename string) ([]types.Observation, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var obs []types.Observation
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var o types.Observation
		if err := json.Unmarshal(scanner.Bytes(), &o); err != nil {
			return nil, errors.Wrap(err, "unmarshal spill entry")
		}
		obs = append(obs, o)
	}
	return obs, scanner.Err()
}
