package overflow

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/YouSenRong/mindspore/internal/graph"
	"github.com/YouSenRong/mindspore/internal/infrastructure/monitoring"
	"github.com/YouSenRong/mindspore/internal/logging"
)

// Binary layout of a hardware overflow record: a 256-byte window starting at
// file offset 313, with the stream id at +8 (byte 321) and the task id at
// +16 (byte 329), both little-endian uint64.
const (
	recordOffset   = 313
	recordWindow   = 256
	streamIDOffset = 8
	taskIDOffset   = 16
)

// Scanner detects hardware overflow events by scanning a directory of
// overflow record files. The filename suffix after the last '_' is a numeric
// timestamp; files at or below the watermark were already processed. The
// directory may gain new files from concurrent writers between scans.
type Scanner struct {
	dir       string
	watermark float64
	log       *logging.Logger
	metrics   *monitoring.Metrics
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithMetrics sets the metrics collector.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

// NewScanner creates a scanner over dir.
func NewScanner(dir string, log *logging.Logger, opts ...Option) *Scanner {
	s := &Scanner{dir: dir, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prime advances the watermark past every record already present, so only
// overflows that happen after enabling are reported.
func (s *Scanner) Prime() {
	for _, entry := range s.listRecords() {
		ts, ok := timestampOf(entry)
		if ok && ts > s.watermark {
			s.watermark = ts
		}
	}
	s.log.Info("overflow watermark primed", zap.Float64("watermark", s.watermark))
}

// Watermark returns the highest timestamp processed so far.
func (s *Scanner) Watermark() float64 {
	return s.watermark
}

// Scan processes overflow records newer than the watermark and returns the op
// names they implicate, resolved through the (stream, task) map. The
// watermark is raised to the highest timestamp seen, monotonically.
func (s *Scanner) Scan(streamTaskToOp map[graph.StreamTask]string) []string {
	var opNames []string
	maxSeen := s.watermark

	for _, name := range s.listRecords() {
		ts, ok := timestampOf(name)
		if !ok {
			continue
		}
		if ts <= s.watermark {
			s.log.Debug("overflow record already processed", zap.String("file", name))
			continue
		}
		if ts > maxSeen {
			maxSeen = ts
		}
		if s.metrics != nil {
			s.metrics.OverflowRecords.Inc()
		}

		stream, task, err := readRecord(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Error("failed to read overflow record", zap.String("file", name), zap.Error(err))
			continue
		}
		op, ok := streamTaskToOp[graph.StreamTask{Stream: stream, Task: task}]
		if !ok {
			s.log.Info("overflow record matches no known op",
				zap.Uint64("stream_id", stream), zap.Uint64("task_id", task))
			continue
		}
		s.log.Error("overflow detected on node", zap.String("node", op))
		opNames = append(opNames, op)
	}

	s.watermark = maxSeen
	return opNames
}

func (s *Scanner) listRecords() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Info("overflow record directory not readable", zap.String("dir", s.dir))
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	return names
}

// timestampOf parses the numeric timestamp from the filename suffix after the
// last '_'.
func timestampOf(name string) (float64, bool) {
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return 0, false
	}
	ts, err := strconv.ParseFloat(name[idx+1:], 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

func readRecord(path string) (stream, task uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	buf := make([]byte, recordWindow)
	if _, err := f.ReadAt(buf, recordOffset); err != nil {
		return 0, 0, err
	}
	stream = binary.LittleEndian.Uint64(buf[streamIDOffset:])
	task = binary.LittleEndian.Uint64(buf[taskIDOffset:])
	return stream, task, nil
}
