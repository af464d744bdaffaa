// Package insight wires the weekly intelligence pipeline: per-user latent
// state estimation, k-anonymous weekly aggregation, narrative interpretation
// and the run orchestration around them.
package insight

import (
	"github.com/redis/go-redis/v9"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/indices"
	"github.com/pulsehq/pulse-sdk/modules/insight/infrastructure/llm"
	"github.com/pulsehq/pulse-sdk/modules/insight/infrastructure/persistence"
	"github.com/pulsehq/pulse-sdk/modules/insight/services"
	"github.com/pulsehq/pulse-sdk/pkg/configuration"
	"github.com/pulsehq/pulse-sdk/pkg/eventbus"
)

// Module bundles the insight services and the repositories they run on.
type Module struct {
	Directory       aggregate.DirectoryRepository
	LatentStates    aggregate.LatentStateRepository
	Snapshots       aggregate.SnapshotRepository
	Aggregates      aggregate.AggregateRepository
	Interpretations aggregate.InterpretationRepository
	Locks           aggregate.LockRepository
	Runs            aggregate.RunRepository

	Ingestion      *services.IngestionService
	Aggregation    *services.AggregationService
	Interpretation *services.InterpretationService
	Pipeline       *services.PipelineService
}

func NewModule(conf *configuration.Configuration, publisher eventbus.EventBus) (*Module, error) {
	mapping, err := indices.Load(conf.Pipeline.IndexMapPath)
	if err != nil {
		return nil, err
	}

	m := &Module{
		Directory:       persistence.NewDirectoryRepository(),
		LatentStates:    persistence.NewLatentStateRepository(),
		Snapshots:       persistence.NewSnapshotRepository(),
		Aggregates:      persistence.NewAggregateRepository(),
		Interpretations: persistence.NewInterpretationRepository(),
		Locks:           persistence.NewLockRepository(),
		Runs:            persistence.NewRunRepository(),
	}

	generator := llm.NewOpenAIGenerator(llm.OpenAIGeneratorConfig{
		APIKey:        conf.Interpretation.OpenAIKey,
		BaseURL:       conf.Interpretation.OpenAIBaseURL,
		Model:         conf.Interpretation.Model,
		PromptVersion: conf.Interpretation.PromptVersion,
	})

	var cache services.ResponseCache
	if conf.Interpretation.CacheEnabled {
		cache = llm.NewRedisResponseCache(
			redis.NewClient(&redis.Options{Addr: conf.Interpretation.RedisURL}),
			conf.Interpretation.CacheTTL,
		)
	}

	m.Ingestion = services.NewIngestionService(m.LatentStates)
	m.Aggregation = services.NewAggregationService(m.Snapshots, m.Aggregates, mapping)
	m.Interpretation = services.NewInterpretationService(services.InterpretationServiceConfig{
		Interpretations: m.Interpretations,
		Generator:       generator,
		Cache:           cache,
		Timeout:         conf.Interpretation.Timeout,
	})
	m.Pipeline = services.NewPipelineService(services.PipelineServiceConfig{
		Directory:      m.Directory,
		Snapshots:      m.Snapshots,
		Locks:          m.Locks,
		Runs:           m.Runs,
		Aggregation:    m.Aggregation,
		Interpretation: m.Interpretation,
		Publisher:      publisher,
		Workers:        conf.Pipeline.Workers,
		LockTTL:        conf.Pipeline.LockTTL,
	})
	return m, nil
}
