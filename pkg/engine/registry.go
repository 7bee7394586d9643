package engine

import (
	"fmt"

	"github.com/tablevision/tablesight/internal/config"
)

// Build constructs the named engine from configuration. Backends are
// registered in a fixed table; an unknown name is a configuration
// error surfaced at startup.
func Build(name string, cfg config.EngineConfig) (Engine, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return factory(cfg)
}

type factory func(cfg config.EngineConfig) (Engine, error)

var factories = map[string]factory{
	config.EngineYOLO:     buildYOLO,
	config.EngineOCR:      buildOCR,
	config.EngineTemplate: buildTemplate,
	config.EngineHybrid:   buildHybrid,
}

func buildYOLO(cfg config.EngineConfig) (Engine, error) {
	ycfg := DefaultYOLOConfig()
	if cfg.YOLOModelPath != "" {
		ycfg.ModelPath = cfg.YOLOModelPath
	}
	return NewYOLO(ycfg)
}

func buildOCR(cfg config.EngineConfig) (Engine, error) {
	ocfg := DefaultOCRConfig()
	ocfg.TessdataDir = cfg.TessdataDir
	return NewOCR(ocfg)
}

func buildTemplate(cfg config.EngineConfig) (Engine, error) {
	return NewTemplate(TemplateConfig{Dir: cfg.TemplateDir})
}

func buildHybrid(cfg config.EngineConfig) (Engine, error) {
	suitSource, err := buildYOLO(cfg)
	if err != nil {
		return nil, err
	}
	rankSource, err := buildOCR(cfg)
	if err != nil {
		suitSource.Close()
		return nil, err
	}
	return NewHybrid(suitSource, rankSource)
}
