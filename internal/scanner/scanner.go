// Package scanner provides a detection source that replays recorded wireless
// surveys from disk. A detections file is YAML (or JSON, which the YAML
// decoder accepts) holding either a flat list of detections returned on every
// scan, or a sequence of batches returned one per scan, with the last batch
// repeated once the sequence is exhausted.
package scanner

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"wraith/internal/models"
)

// DetectionsFile is the on-disk survey format
type DetectionsFile struct {
	Detections []models.RawDetection   `yaml:"detections"`
	Batches    [][]models.RawDetection `yaml:"batches"`
}

// ScanStats tracks statistics for the current or last scan
type ScanStats struct {
	ScanCount    int
	StartTime    time.Time
	EndTime      time.Time
	Status       string
	TargetsFound int
	Error        error
}

// FileScanner replays detections from a file
type FileScanner struct {
	path       string
	logger     zerolog.Logger
	scanLock   sync.Mutex
	isScanning bool
	scanStats  *ScanStats
	batch      int
}

// New creates a scanner reading from path
func New(path string) *FileScanner {
	return &FileScanner{
		path:   path,
		logger: log.With().Str("component", "scanner").Logger(),
		scanStats: &ScanStats{
			Status: "idle",
		},
	}
}

// GetStatus returns the current scanner status
func (s *FileScanner) GetStatus() ScanStats {
	s.scanLock.Lock()
	defer s.scanLock.Unlock()

	return *s.scanStats
}

// Scan reads the detections file and returns the detections on the given
// channels. An empty channel list returns every detection. The file is read on
// every call so a survey can be edited while the engine runs.
func (s *FileScanner) Scan(ctx context.Context, channels []int) ([]models.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.scanLock.Lock()
	if s.isScanning {
		s.scanLock.Unlock()
		return nil, fmt.Errorf("a scan is already in progress")
	}
	s.isScanning = true
	count := s.scanStats.ScanCount + 1
	s.scanStats = &ScanStats{
		ScanCount: count,
		StartTime: time.Now(),
		Status:    "running",
	}
	batch := s.batch
	s.scanLock.Unlock()

	defer func() {
		s.scanLock.Lock()
		s.isScanning = false
		s.scanStats.EndTime = time.Now()
		s.scanLock.Unlock()
	}()

	file, err := s.load()
	if err != nil {
		s.updateScanError(err)
		return nil, err
	}

	var detections []models.RawDetection
	switch {
	case len(file.Batches) > 0:
		if batch >= len(file.Batches) {
			batch = len(file.Batches) - 1
		}
		detections = file.Batches[batch]
		s.scanLock.Lock()
		s.batch = batch + 1
		s.scanLock.Unlock()
	default:
		detections = file.Detections
	}

	results := filterChannels(detections, channels)
	for _, d := range detections {
		if d.ID == "" {
			s.logger.Debug().Str("name", d.Name).Msg("Skipping detection with no identifier")
		}
	}

	s.scanLock.Lock()
	s.scanStats.Status = "completed"
	s.scanStats.TargetsFound = len(results)
	s.scanLock.Unlock()

	s.logger.Debug().
		Str("file", s.path).
		Int("scan", count).
		Int("detections", len(detections)).
		Int("matched", len(results)).
		Msg("Scan completed")

	return results, nil
}

func (s *FileScanner) load() (*DetectionsFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read detections file: %w", err)
	}

	var file DetectionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse detections file: %w", err)
	}
	return &file, nil
}

func (s *FileScanner) updateScanError(err error) {
	s.scanLock.Lock()
	defer s.scanLock.Unlock()

	s.scanStats.Status = "error"
	s.scanStats.Error = err
	s.logger.Error().Err(err).Str("file", s.path).Msg("Scan failed")
}

// filterChannels keeps detections with an identifier on one of channels.
// Detections without a channel are always kept.
func filterChannels(detections []models.RawDetection, channels []int) []models.RawDetection {
	allowed := make(map[int]bool, len(channels))
	for _, ch := range channels {
		allowed[ch] = true
	}

	out := make([]models.RawDetection, 0, len(detections))
	for _, d := range detections {
		if d.ID == "" {
			continue
		}
		if len(allowed) > 0 && d.Channel != 0 && !allowed[d.Channel] {
			continue
		}
		d.Clients = append([]string(nil), d.Clients...)
		out = append(out, d)
	}
	return out
}
