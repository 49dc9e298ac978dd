// Package statistics aggregates per-host fetch counters and dumps them to a
// file on a fixed interval. Recording is non-blocking: when the intake
// channel is full the record is dropped rather than stalling a fetch.
package statistics

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

type FetchRecord struct {
	Host        string
	Count       int
	BytesIn     int64
	BytesOut    int64
	Rewritten   int
	CacheHits   int
	FailedCount int
	LastFetch   time.Time
}

type Recorder struct {
	recordAddChan chan *FetchRecord
	records       map[string]*FetchRecord
	mu            sync.RWMutex

	dumpRecords []*FetchRecord
	dumpFile    string
	dumpWriter  *bufio.Writer

	stop chan struct{}
}

func NewRecorder(dumpFile string) *Recorder {
	return &Recorder{
		recordAddChan: make(chan *FetchRecord, 500),
		records:       make(map[string]*FetchRecord, 300),
		dumpRecords:   make([]*FetchRecord, 0, 300),
		dumpFile:      dumpFile,
		dumpWriter:    bufio.NewWriter(nil),
		stop:          make(chan struct{}),
	}
}

func (r *Recorder) Run() {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case record := <-r.recordAddChan:
				r.Add(record)
			case <-ticker.C:
				r.Dump()
			case <-r.stop:
				return
			}
		}
	}()
}

func (r *Recorder) Close() error {
	close(r.stop)
	return nil
}

// Record queues a fetch record for aggregation without blocking.
func (r *Recorder) Record(record *FetchRecord) {
	select {
	case r.recordAddChan <- record:
	default:
	}
}

func (r *Recorder) Add(record *FetchRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.records[record.Host]; exists {
		existing.Count++
		existing.BytesIn += record.BytesIn
		existing.BytesOut += record.BytesOut
		existing.Rewritten += record.Rewritten
		existing.CacheHits += record.CacheHits
		existing.FailedCount += record.FailedCount
		existing.LastFetch = record.LastFetch
	} else {
		rec := *record
		rec.Count = 1
		r.records[record.Host] = &rec
	}
}

// Snapshot returns the aggregate for host, for tests and the stats API.
func (r *Recorder) Snapshot(host string) (FetchRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[host]
	if !ok {
		return FetchRecord{}, false
	}
	return *rec, true
}

func (r *Recorder) Dump() {
	if r.dumpFile == "" {
		return
	}
	f, err := os.Create(r.dumpFile)
	if err != nil {
		slog.Error("os.Create", slog.Any("error", err))
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("os.File.Close", slog.Any("error", err))
		}
	}()

	r.dumpRecords = r.dumpRecords[:0]
	r.mu.RLock()
	for _, record := range r.records {
		r.dumpRecords = append(r.dumpRecords, record)
	}
	r.mu.RUnlock()

	sort.SliceStable(r.dumpRecords, func(i, j int) bool {
		return r.dumpRecords[i].Count > r.dumpRecords[j].Count
	})

	r.dumpWriter.Reset(f)
	defer func() {
		if err := r.dumpWriter.Flush(); err != nil {
			slog.Error("bufio.Writer.Flush", slog.Any("error", err))
		}
	}()

	for _, record := range r.dumpRecords {
		_, err := fmt.Fprintf(r.dumpWriter, "%s %d in=%d out=%d rewritten=%d cachehits=%d failed=%d\n",
			record.Host, record.Count, record.BytesIn, record.BytesOut,
			record.Rewritten, record.CacheHits, record.FailedCount)
		if err != nil {
			slog.Error("Dump fmt.Fprintf", slog.Any("error", err))
		}
	}
}
