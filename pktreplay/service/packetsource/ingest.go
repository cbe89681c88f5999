package packetsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/google/uuid"

	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
)

// SharedFileName is the file the packet tunnel writes inside the drop directory.
const SharedFileName = "captured_packets.json"

// DumpExt marks a raw IPv4 packet dump in the drop directory, one packet per
// file. Dumps are consumed in file name order and removed once read.
const DumpExt = ".ipv4"

// DefaultInterval is the polling period when none is configured.
const DefaultInterval = 2 * time.Second

// SharedPacket is one entry of the shared file, newest first.
type SharedPacket struct {
	ID              string  `json:"id"`
	Timestamp       float64 `json:"timestamp"` // unix seconds
	SourceIP        string  `json:"sourceIP"`
	DestinationIP   string  `json:"destinationIP"`
	SourcePort      uint16  `json:"sourcePort"`
	DestinationPort uint16  `json:"destinationPort"`
	Protocol        string  `json:"protocol"`
	Data            []byte  `json:"data"` // base64 in JSON
	Size            int     `json:"size"`
}

// Record converts the entry into a capture record.
func (p SharedPacket) Record() (capture.CapturedRecord, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return capture.CapturedRecord{}, fmt.Errorf("packet id %q: %w", p.ID, err)
	}
	sec, frac := math.Modf(p.Timestamp)
	return capture.CapturedRecord{
		ID:              id,
		Timestamp:       time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		SourceIP:        p.SourceIP,
		SourcePort:      p.SourcePort,
		DestinationIP:   p.DestinationIP,
		DestinationPort: p.DestinationPort,
		Protocol:        capture.ParseProtocol(p.Protocol),
		Payload:         p.Data,
		ProcessName:     p.Protocol,
	}, nil
}

// Capturer receives ingested records. *capture.Store satisfies it.
type Capturer interface {
	Capture(rec capture.CapturedRecord)
}

// Ingestor polls the drop directory. It forwards shared file entries it has
// not seen yet and decodes raw packet dumps.
type Ingestor struct {
	dir      string
	path     string
	interval time.Duration
	sink     Capturer

	modTime time.Time
	size    int64
	seen    map[uuid.UUID]struct{}
}

// NewIngestor watches dir/SharedFileName and dir/*.ipv4.
func NewIngestor(dir string, interval time.Duration, sink Capturer) *Ingestor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ingestor{
		dir:      dir,
		path:     filepath.Join(dir, SharedFileName),
		interval: interval,
		sink:     sink,
		seen:     map[uuid.UUID]struct{}{},
	}
}

// Poll captures new shared file entries and pending packet dumps. Returns
// how many records were captured.
func (i *Ingestor) Poll() (int, error) {
	shared, sharedErr := i.pollShared()
	dumps, dumpErr := i.pollDumps()
	return shared + dumps, errors.Join(sharedErr, dumpErr)
}

// pollShared reads the shared file if it changed and captures new entries,
// oldest first so the store keeps newest-first order.
func (i *Ingestor) pollShared() (int, error) {
	info, err := os.Stat(i.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, err
	} else if info.ModTime().Equal(i.modTime) && info.Size() == i.size {
		return 0, nil
	}

	data, err := os.ReadFile(i.path)
	if err != nil {
		return 0, err
	}
	var packets []SharedPacket
	if err := json.Unmarshal(data, &packets); err != nil {
		return 0, fmt.Errorf("decode %s: %w", i.path, err)
	}
	i.modTime, i.size = info.ModTime(), info.Size()

	records := make([]capture.CapturedRecord, 0, len(packets))
	for _, p := range packets {
		rec, err := p.Record()
		if err != nil {
			log.Printf("packetsource: skipping entry: %v", err)
			continue
		}
		records = append(records, rec)
	}

	fresh := bulk.SliceFilter(func(rec capture.CapturedRecord) bool {
		_, ok := i.seen[rec.ID]
		return !ok
	}, records)
	for idx := len(fresh) - 1; idx >= 0; idx-- {
		i.sink.Capture(fresh[idx])
	}

	// the writer caps its file, so only ids still present need remembering
	ids := make([]uuid.UUID, len(records))
	for idx, rec := range records {
		ids[idx] = rec.ID
	}
	i.seen = bulk.SliceToSet(ids)
	return len(fresh), nil
}

// pollDumps decodes every *.ipv4 file through DecodeIPv4 and removes it.
// A dump that does not decode is logged and removed so it is not retried.
func (i *Ingestor) pollDumps() (int, error) {
	entries, err := os.ReadDir(i.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	var captured int
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != DumpExt {
			continue
		}
		path := filepath.Join(i.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			return captured, err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return captured, err
		}

		if rec, err := DecodeIPv4(raw, info.ModTime().UTC()); err != nil {
			log.Printf("packetsource: skipping dump %s: %v", entry.Name(), err)
		} else {
			i.sink.Capture(rec)
			captured++
		}
		if err := os.Remove(path); err != nil {
			return captured, fmt.Errorf("remove dump: %w", err)
		}
	}
	return captured, nil
}

// Run polls until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	for {
		if n, err := i.Poll(); err != nil {
			log.Printf("packetsource: poll %s: %v", i.path, err)
		} else if n > 0 {
			log.Printf("packetsource: ingested %d records", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
