package di

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/llm-meeting-coordinator/internal/adapters/inbound"
	"github.com/mikey/llm-meeting-coordinator/internal/config"
	"github.com/mikey/llm-meeting-coordinator/internal/coordination"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/dispatch"
	"github.com/mikey/llm-meeting-coordinator/internal/engine"
	"github.com/mikey/llm-meeting-coordinator/internal/factory"
	"github.com/mikey/llm-meeting-coordinator/internal/interpreter"
	"github.com/mikey/llm-meeting-coordinator/internal/logging"
	"github.com/mikey/llm-meeting-coordinator/internal/metrics"
	"github.com/mikey/llm-meeting-coordinator/internal/ports"
	"github.com/mikey/llm-meeting-coordinator/internal/reconciler"
	"github.com/mikey/llm-meeting-coordinator/internal/threading"
	"github.com/mikey/llm-meeting-coordinator/internal/utils"
	"github.com/mikey/llm-meeting-coordinator/internal/whitelist"
)

// BuildContainer creates and configures the container for the daemon
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	// Register metrics with the runtime collectors
	if err := container.Provide(func() *prometheus.Registry {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		return reg
	}); err != nil {
		return nil, err
	}

	// Register the outbound transport
	if err := container.Provide(func(f *factory.SenderFactory) (core.Sender, error) {
		return f.CreateSender(os.Stdout)
	}); err != nil {
		return nil, err
	}

	if err := provideEngine(container); err != nil {
		return nil, err
	}

	// Register the SMTP listener
	if err := container.Provide(func(cfg *config.Config, handler ports.MessageHandler, logger *zap.Logger) ports.MessageReceiver {
		server := cfg.GetServer()
		return inbound.NewSMTPReceiver(handler, inbound.Settings{
			ListenAddress:   server.ListenAddress,
			Domain:          server.Domain,
			MaxMessageBytes: server.MaxMessageBytes,
			MaxRecipients:   server.MaxRecipients,
			ReadTimeout:     server.ReadTimeout,
			WriteTimeout:    server.WriteTimeout,
		}, logger)
	}); err != nil {
		return nil, err
	}

	// Register the metrics endpoint
	if err := container.Provide(func(cfg *config.Config, reg *prometheus.Registry, logger *zap.Logger) *metrics.Server {
		return metrics.NewServer(cfg.GetMetrics().ListenAddress, reg, logger)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// provideEngine registers everything from the factories down to the engine.
// The caller provides the configuration, logger, registry and sender.
func provideEngine(container *dig.Container) error {
	// Register factories
	if err := container.Provide(factory.NewLLMFactory); err != nil {
		return err
	}
	if err := container.Provide(factory.NewStoreFactory); err != nil {
		return err
	}
	if err := container.Provide(factory.NewSenderFactory); err != nil {
		return err
	}
	if err := container.Provide(factory.NewInterpreterFactory); err != nil {
		return err
	}

	if err := container.Provide(func(reg *prometheus.Registry) *metrics.Metrics {
		return metrics.NewMetrics(reg)
	}); err != nil {
		return err
	}

	// Register LLM client
	if err := container.Provide(func(f *factory.LLMFactory) (core.LLMClient, error) {
		return f.CreateLLMClient()
	}); err != nil {
		return err
	}

	// Register state store
	if err := container.Provide(func(f *factory.StoreFactory) (core.StateStore, error) {
		return f.CreateStateStore()
	}); err != nil {
		return err
	}

	// Register text processor and interpreter
	if err := container.Provide(func(f *factory.InterpreterFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.InterpreterFactory, llm core.LLMClient, text *utils.TextProcessor) *interpreter.Interpreter {
		return f.CreateInterpreter(llm, text)
	}); err != nil {
		return err
	}

	// Register allowed organizer domains
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) *whitelist.Checker {
		domains := cfg.GetAssistant().AllowedDomains
		if len(domains) > 0 {
			logger.Info("Loaded allowed organizer domains", zap.Strings("domains", domains))
		}
		return whitelist.NewChecker(domains, logger)
	}); err != nil {
		return err
	}

	if err := container.Provide(func(cfg *config.Config, domains *whitelist.Checker, logger *zap.Logger) *coordination.Classifier {
		return coordination.NewClassifier(cfg.GetAssistant().Address, domains, logger)
	}); err != nil {
		return err
	}
	if err := container.Provide(func(cfg *config.Config) (*coordination.Composer, error) {
		loc, err := cfg.GetCoordination().Location()
		if err != nil {
			return nil, err
		}
		assistant := cfg.GetAssistant()
		return coordination.NewComposer(assistant.Address, assistant.DisplayName, loc), nil
	}); err != nil {
		return err
	}
	if err := container.Provide(reconciler.NewReconciler); err != nil {
		return err
	}

	// Register coordinator; reasoning proposals come from the interpreter
	if err := container.Provide(func(
		cfg *config.Config,
		classifier *coordination.Classifier,
		rec *reconciler.Reconciler,
		interp *interpreter.Interpreter,
		composer *coordination.Composer,
		logger *zap.Logger,
	) (*coordination.Coordinator, error) {
		coord := cfg.GetCoordination()
		loc, err := coord.Location()
		if err != nil {
			return nil, err
		}
		var proposer coordination.Proposer
		if coord.ReasoningMode {
			proposer = interp
		}
		return coordination.NewCoordinator(classifier, rec, proposer, composer, coordination.Settings{
			DefaultDuration:     coord.DefaultDuration,
			Location:            loc,
			ReasoningMode:       coord.ReasoningMode,
			ReasoningTimeout:    coord.ReasoningTimeout,
			ReconcileRetryBound: coord.ReconcileRetryBound,
			MaxClarifications:   coord.MaxClarifications,
		}, logger), nil
	}); err != nil {
		return err
	}

	if err := container.Provide(func(cfg *config.Config, st core.StateStore, sender core.Sender, composer *coordination.Composer, logger *zap.Logger) *dispatch.Emitter {
		return dispatch.NewEmitter(st, sender, composer, cfg.GetOutbound().Timeout, logger)
	}); err != nil {
		return err
	}
	if err := container.Provide(func(st core.StateStore, logger *zap.Logger) *threading.Resolver {
		return threading.NewResolver(st, st, logger)
	}); err != nil {
		return err
	}

	// Register engine
	if err := container.Provide(func(
		cfg *config.Config,
		st core.StateStore,
		resolver *threading.Resolver,
		interp *interpreter.Interpreter,
		coordinator *coordination.Coordinator,
		emitter *dispatch.Emitter,
		sender core.Sender,
		m *metrics.Metrics,
		logger *zap.Logger,
	) (*engine.Engine, error) {
		loc, err := cfg.GetCoordination().Location()
		if err != nil {
			return nil, err
		}
		return engine.NewEngine(st, resolver, interp, coordinator, emitter, sender, m, engine.Settings{
			Location:    loc,
			SendTimeout: cfg.GetOutbound().Timeout,
		}, logger), nil
	}); err != nil {
		return err
	}
	return container.Provide(func(e *engine.Engine) ports.MessageHandler {
		return e
	})
}
