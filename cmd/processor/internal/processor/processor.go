package processor

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mngfx/market-feed/pkg/channels"
	"github.com/mngfx/market-feed/pkg/config"
	"github.com/mngfx/market-feed/pkg/models"
)

// Processor relays tick events from Kafka into the Redis channel layer.
type Processor struct {
	cfg        *config.Config
	logger     Logger
	rdb        RedisClient
	reader     KafkaReader
	numWorkers int
}

func NewProcessor(cfg *config.Config, logger Logger, rdb RedisClient, reader KafkaReader) *Processor {
	return &Processor{
		cfg:        cfg,
		logger:     logger,
		rdb:        rdb,
		reader:     reader,
		numWorkers: cfg.Processor.NumWorkers,
	}
}

func (p *Processor) Run(ctx context.Context) error {
	workerChans := make([]chan envelope, p.numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < p.numWorkers; i++ {
		workerChans[i] = make(chan envelope, 100)
		wg.Add(1)
		go p.worker(i, workerChans[i], &wg)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		p.logger.Info("Processor Started", zap.Int("workers", p.numWorkers))
		for {
			m, err := p.reader.ReadMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				p.logger.Error("Kafka Read Error", zap.Error(err))
				continue
			}

			// Same symbol always lands on the same worker
			workerID := getWorkerID(m.Key, p.numWorkers)

			select {
			case workerChans[workerID] <- envelope{group: groupOf(m), payload: m.Value}:
			case <-ctx.Done():
				return
			default:
				// a newer tick follows within one interval
				p.logger.Warn("Dropping slow tick", zap.String("key", string(m.Key)), zap.Int("worker_id", workerID))
			}
		}
	}()

	<-ctx.Done()
	p.logger.Info("Shutdown signal received, stopping processor...")

	// the dispatcher must be gone before its channels close
	<-readerDone
	for _, ch := range workerChans {
		close(ch)
	}
	p.logger.Info("Waiting for workers to drain...")
	wg.Wait()

	return nil
}

func (p *Processor) worker(id int, msgs <-chan envelope, wg *sync.WaitGroup) {
	defer wg.Done()
	ctx := context.Background()

	// only valid because a symbol never changes worker
	lastTS := make(map[string]int64)

	for msg := range msgs {
		var ev models.Event
		if err := json.Unmarshal(msg.payload, &ev); err != nil {
			p.logger.Error("JSON Unmarshal Error", zap.Error(err))
			continue
		}
		if ev.Type != models.EventMarketTick || ev.Tick == nil {
			p.logger.Debug("Skipping non-tick event", zap.String("type", ev.Type))
			continue
		}

		tick := ev.Tick
		if last, seen := lastTS[tick.Symbol]; seen && tick.Timestamp <= last {
			p.logger.Debug("Skipping stale tick", zap.String("symbol", tick.Symbol), zap.Int64("ts", tick.Timestamp), zap.Int64("last_ts", last))
			continue
		}

		snapshot, err := json.Marshal(tick)
		if err != nil {
			p.logger.Error("Snapshot encode error", zap.Error(err))
			continue
		}

		pipe := p.rdb.Pipeline()
		pipe.Set(ctx, models.SnapshotKey(tick.Symbol), snapshot, p.cfg.Processor.SnapshotTTL)
		pipe.Publish(ctx, channels.ChannelName(msg.group), msg.payload)

		if _, err := pipe.Exec(ctx); err != nil {
			p.logger.Error("Redis Pipeline Error", zap.Error(err), zap.String("symbol", tick.Symbol))
			continue
		}
		p.logger.Debug("Relayed", zap.String("symbol", tick.Symbol), zap.String("group", msg.group), zap.Int("worker_id", id))
		lastTS[tick.Symbol] = tick.Timestamp
	}
}

// groupOf reads the target group header, defaulting to the broadcast group.
func groupOf(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == channels.GroupHeader && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return models.BroadcastGroup
}

func getWorkerID(key []byte, numWorkers int) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(numWorkers))
}
