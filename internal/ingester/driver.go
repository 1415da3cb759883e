// Package ingester reads the chain node's wasm state export stream and drives
// the whole pipeline: it buffers records per block, flushes them through the
// event store, the transformer, cache invalidation and webhook enqueue, and
// advances the checkpoint. One driver, one writer; everything downstream
// relies on that.
package ingester

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"wasmscan/internal/eventbus"
	"wasmscan/internal/keys"
	"wasmscan/internal/metrics"
	"wasmscan/internal/models"
	"wasmscan/internal/repository"
	"wasmscan/internal/search"
	"wasmscan/internal/transform"
)

var jsonit = jsoniter.ConfigCompatibleWithStandardLibrary

// maxLineBytes caps the scanner buffer. Contract state values are small; a
// line anywhere near this size is a corrupt stream.
const maxLineBytes = 16 * 1024 * 1024

// Store is the repository surface the driver writes through.
type Store interface {
	GetState(ctx context.Context) (*models.State, error)
	UpsertBlocks(ctx context.Context, blocks []models.Block) error
	UpsertContracts(ctx context.Context, contracts []models.Contract) error
	UpsertEvents(ctx context.Context, events []models.WasmEvent) ([]models.WasmEvent, error)
	UpsertTransformations(ctx context.Context, ts []models.WasmEventTransformation) ([]models.WasmEventTransformation, error)
	AdvanceState(ctx context.Context, exportedHeight, latestHeight, latestTimeUnixMs uint64) error
}

// Invalidator narrows the computation cache on flushed changes.
type Invalidator interface {
	Invalidate(ctx context.Context, changes []repository.ChangeKey) (updated, destroyed int64, err error)
}

// Enqueuer matches flushed events against webhook subscriptions.
type Enqueuer interface {
	Enqueue(ctx context.Context, batch []*models.WasmEvent) (int, error)
}

// Config carries the driver's knobs, resolved from the config file.
type Config struct {
	// Source is a file path, "-" for stdin, or an http(s) URL.
	Source string
	// Batch is the flush threshold in buffered records.
	Batch int
	// InitialBlockHeight overrides the checkpoint-derived starting block.
	InitialBlockHeight *uint64
	// Follow keeps a file source open and polls for appended lines.
	Follow bool
	// CacheUpdates enables computation cache invalidation per flush.
	CacheUpdates bool
	// WebhooksEnabled enables webhook enqueue per flush.
	WebhooksEnabled bool
}

// Driver is the single-writer ingestion loop.
type Driver struct {
	cfg         Config
	store       Store
	transformer *transform.Transformer
	invalidator Invalidator
	enqueuer    Enqueuer
	reindexer   search.Reindexer
	bus         *eventbus.Bus
	log         zerolog.Logger

	// Owned by the intake goroutine.
	pending       []models.IndexerWasmEvent
	lastBlockSeen uint64
	initialBlock  uint64

	// Read concurrently by Status().
	caughtUp         atomic.Bool
	linesRead        atomic.Uint64
	linesSkipped     atomic.Uint64
	linesMalformed   atomic.Uint64
	eventsExported   atomic.Uint64
	flushes          atomic.Uint64
	lastFlushedBlock atomic.Uint64
	pendingBuffered  atomic.Int64
}

func NewDriver(cfg Config, store Store, transformer *transform.Transformer, invalidator Invalidator, enqueuer Enqueuer, reindexer search.Reindexer, bus *eventbus.Bus, log zerolog.Logger) *Driver {
	if cfg.Batch <= 0 {
		cfg.Batch = 5000
	}
	return &Driver{
		cfg:         cfg,
		store:       store,
		transformer: transformer,
		invalidator: invalidator,
		enqueuer:    enqueuer,
		reindexer:   reindexer,
		bus:         bus,
		log:         log.With().Str("component", "ingester").Logger(),
	}
}

// Run opens the source and consumes it line by line until the stream ends or
// the context is cancelled, then flushes whatever is buffered. Returns nil on
// clean shutdown.
func (d *Driver) Run(ctx context.Context) error {
	state, err := d.store.GetState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pipeline state: %w", err)
	}
	d.initialBlock = state.LastWasmBlockHeightExported + 1
	if d.cfg.InitialBlockHeight != nil {
		d.initialBlock = *d.cfg.InitialBlockHeight
	}
	d.log.Info().
		Str("source", d.cfg.Source).
		Uint64("initial_block", d.initialBlock).
		Int("batch", d.cfg.Batch).
		Msg("starting ingestion")

	src, err := openSource(ctx, d.cfg.Source, d.cfg.Follow)
	if err != nil {
		return fmt.Errorf("failed to open source %s: %w", d.cfg.Source, err)
	}
	defer src.Close()

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := d.HandleLine(ctx, scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream read failed: %w", err)
	}

	// The final partial batch still has to land, shutdown or stream end alike.
	flushCtx := ctx
	if flushCtx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}
	if err := d.Flush(flushCtx); err != nil {
		return err
	}
	d.log.Info().
		Uint64("lines", d.linesRead.Load()).
		Uint64("flushes", d.flushes.Load()).
		Msg("ingestion stopped")
	return nil
}

// HandleLine runs the intake protocol for one stream line. Malformed lines
// are reported and skipped; only flush failures propagate.
func (d *Driver) HandleLine(ctx context.Context, line []byte) error {
	d.linesRead.Inc()
	metrics.LinesRead.Inc()

	var rec models.IndexerWasmEvent
	if err := jsonit.Unmarshal(line, &rec); err != nil {
		d.reportMalformed(line, err)
		return nil
	}
	if rec.BlockHeight == 0 || rec.ContractAddress == "" || rec.Key == "" {
		d.reportMalformed(line, fmt.Errorf("missing required field"))
		return nil
	}

	if rec.BlockHeight < d.initialBlock {
		d.linesSkipped.Inc()
		metrics.LinesSkipped.Inc()
		return nil
	}
	if d.caughtUp.CompareAndSwap(false, true) {
		d.log.Info().Uint64("block", rec.BlockHeight).Msg("caught up to initial block, now exporting live")
	}

	// Flush only on a block boundary so a block's records never split across
	// two flushes.
	if len(d.pending) >= d.cfg.Batch && rec.BlockHeight > d.lastBlockSeen {
		if err := d.Flush(ctx); err != nil {
			return err
		}
	}

	d.pending = append(d.pending, rec)
	d.pendingBuffered.Store(int64(len(d.pending)))
	if rec.BlockHeight > d.lastBlockSeen {
		d.lastBlockSeen = rec.BlockHeight
	}
	return nil
}

func (d *Driver) reportMalformed(line []byte, err error) {
	d.linesMalformed.Inc()
	metrics.LinesMalformed.Inc()
	preview := string(line)
	if len(preview) > 200 {
		preview = preview[:200]
	}
	d.log.Warn().Err(err).Str("line", preview).Msg("skipping malformed stream line")
}

// Flush writes the buffered records through the whole pipeline and clears the
// buffer. A failing step leaves the buffer intact so a retried flush replays
// idempotently onto the upserts.
func (d *Driver) Flush(ctx context.Context) error {
	if len(d.pending) == 0 {
		return nil
	}
	start := time.Now()

	events, blocks, contracts := d.normalize(d.pending)
	if len(events) == 0 {
		d.pending = d.pending[:0]
		d.pendingBuffered.Store(0)
		return nil
	}

	if err := d.store.UpsertBlocks(ctx, blocks); err != nil {
		return err
	}
	if err := d.store.UpsertContracts(ctx, contracts); err != nil {
		return err
	}
	persisted, err := d.store.UpsertEvents(ctx, events)
	if err != nil {
		return err
	}

	batch := make([]*models.WasmEvent, len(persisted))
	for i := range persisted {
		batch[i] = &persisted[i]
	}

	rows := d.transformer.Apply(batch)
	stored, err := d.store.UpsertTransformations(ctx, rows)
	if err != nil {
		return err
	}
	metrics.TransformationsWritten.Add(float64(len(stored)))

	var updated, destroyed int64
	if d.cfg.CacheUpdates && d.invalidator != nil {
		changes := make([]repository.ChangeKey, 0, len(persisted)+len(stored))
		for i := range persisted {
			changes = append(changes, repository.ChangeKey{
				ContractAddress: persisted[i].ContractAddress,
				Key:             persisted[i].Key,
				BlockHeight:     persisted[i].BlockHeight,
			})
		}
		for i := range stored {
			changes = append(changes, repository.ChangeKey{
				ContractAddress: stored[i].ContractAddress,
				Key:             stored[i].Name,
				BlockHeight:     stored[i].BlockHeight,
			})
		}
		updated, destroyed, err = d.invalidator.Invalidate(ctx, changes)
		if err != nil {
			return err
		}
	}

	enqueued := 0
	if d.cfg.WebhooksEnabled && d.enqueuer != nil {
		enqueued, err = d.enqueuer.Enqueue(ctx, batch)
		if err != nil {
			return err
		}
	}

	from, to, latestTime := blockSpan(events)
	if err := d.store.AdvanceState(ctx, to, to, latestTime); err != nil {
		return err
	}

	addrs := make([]string, len(contracts))
	for i := range contracts {
		addrs[i] = contracts[i].Address
	}
	if d.reindexer != nil {
		// The search index is best-effort; a miss is repaired by the next
		// flush touching the contract.
		if err := d.reindexer.Reindex(ctx, addrs); err != nil {
			d.log.Warn().Err(err).Msg("search reindex failed")
		}
	}

	summary := models.FlushSummary{
		FromHeight:            from,
		ToHeight:              to,
		Events:                len(events),
		Contracts:             addrs,
		Transformations:       len(stored),
		ComputationsUpdated:   updated,
		ComputationsDestroyed: destroyed,
		WebhooksEnqueued:      enqueued,
		FlushedAt:             time.Now().UTC(),
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Type:      eventbus.TopicFlush,
			Height:    to,
			Timestamp: summary.FlushedAt,
			Data:      summary,
		})
		for i := range persisted {
			d.bus.Publish(eventbus.Event{
				Type:      eventbus.TopicEvent,
				Height:    persisted[i].BlockHeight,
				Timestamp: summary.FlushedAt,
				Data:      persisted[i],
			})
		}
	}

	d.pending = d.pending[:0]
	d.pendingBuffered.Store(0)
	d.eventsExported.Add(uint64(len(events)))
	d.flushes.Inc()
	d.lastFlushedBlock.Store(to)

	metrics.EventsExported.Add(float64(len(events)))
	metrics.Flushes.Inc()
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	metrics.LastExportedBlock.Set(float64(to))

	d.log.Info().
		Uint64("from", from).
		Uint64("to", to).
		Int("events", len(events)).
		Int("contracts", len(contracts)).
		Int("transformations", len(stored)).
		Int64("cache_truncated", updated).
		Int64("cache_destroyed", destroyed).
		Int("webhooks", enqueued).
		Dur("took", time.Since(start)).
		Msg("flushed")
	return nil
}

// normalize dedups the buffer last-write-wins per (block, contract, key) and
// decodes keys and values into storable rows. Records whose key fails to
// decode are counted malformed and dropped.
func (d *Driver) normalize(pending []models.IndexerWasmEvent) ([]models.WasmEvent, []models.Block, []models.Contract) {
	type slot struct {
		block    uint64
		contract string
		key      string
	}

	index := make(map[slot]int, len(pending))
	var events []models.WasmEvent
	blockTimes := make(map[uint64]uint64)
	contractIndex := make(map[string]int)
	var contracts []models.Contract

	for i := range pending {
		rec := &pending[i]

		canonical, err := keys.FromBase64(rec.Key)
		if err != nil {
			d.reportMalformed([]byte(rec.Key), fmt.Errorf("bad key encoding: %w", err))
			continue
		}

		e := models.WasmEvent{
			BlockHeight:     rec.BlockHeight,
			ContractAddress: rec.ContractAddress,
			Key:             canonical,
			Deleted:         rec.Delete,
			BlockTimeUnixMs: rec.BlockTimeUnixMs,
		}
		if !rec.Delete {
			raw, err := base64.StdEncoding.DecodeString(rec.Value)
			if err != nil {
				d.reportMalformed([]byte(rec.Value), fmt.Errorf("bad value encoding: %w", err))
				continue
			}
			e.Value = string(raw)
			if json.Valid(raw) {
				e.ValueJSON = json.RawMessage(raw)
			}
		}

		s := slot{rec.BlockHeight, rec.ContractAddress, canonical}
		if j, seen := index[s]; seen {
			events[j] = e
		} else {
			index[s] = len(events)
			events = append(events, e)
		}

		blockTimes[rec.BlockHeight] = rec.BlockTimeUnixMs

		if j, seen := contractIndex[rec.ContractAddress]; seen {
			// Keep the latest code_id; migrations raise it mid-batch.
			contracts[j].CodeID = rec.CodeID
		} else {
			contractIndex[rec.ContractAddress] = len(contracts)
			contracts = append(contracts, models.Contract{
				Address:                  rec.ContractAddress,
				CodeID:                   rec.CodeID,
				InstantiatedAtBlock:      rec.BlockHeight,
				InstantiatedAtTimeUnixMs: rec.BlockTimeUnixMs,
			})
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].BlockHeight < events[j].BlockHeight })

	blocks := make([]models.Block, 0, len(blockTimes))
	for h, t := range blockTimes {
		blocks = append(blocks, models.Block{Height: h, TimeUnixMs: t})
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })

	return events, blocks, contracts
}

func blockSpan(events []models.WasmEvent) (from, to, latestTime uint64) {
	from = events[0].BlockHeight
	for i := range events {
		e := &events[i]
		if e.BlockHeight < from {
			from = e.BlockHeight
		}
		if e.BlockHeight > to {
			to = e.BlockHeight
			latestTime = e.BlockTimeUnixMs
		}
	}
	return from, to, latestTime
}

// Status snapshots the driver counters for the status endpoint.
func (d *Driver) Status() models.DriverStatus {
	return models.DriverStatus{
		CaughtUp:         d.caughtUp.Load(),
		LinesRead:        d.linesRead.Load(),
		LinesSkipped:     d.linesSkipped.Load(),
		LinesMalformed:   d.linesMalformed.Load(),
		EventsExported:   d.eventsExported.Load(),
		Flushes:          d.flushes.Load(),
		LastFlushedBlock: d.lastFlushedBlock.Load(),
		PendingBuffered:  int(d.pendingBuffered.Load()),
	}
}
