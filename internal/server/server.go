package server

import (
	"fmt"

	"github.com/edgespeed/edgespeed/internal/config"
	"github.com/edgespeed/edgespeed/internal/ipro"
	"github.com/edgespeed/edgespeed/internal/rewrite"
	"github.com/edgespeed/edgespeed/internal/server/http"
	"github.com/edgespeed/edgespeed/internal/statistics"
)

type Server interface {
	Start() error
	Close() error
}

func NewServer(cfg *config.Config, rw *rewrite.Rewriter, cache *ipro.Cache, recorder *statistics.Recorder) (Server, error) {
	switch cfg.ServerMode {
	case config.ServerModeHTTP:
		return http.New(cfg, rw, cache, recorder), nil
	default:
		return nil, fmt.Errorf("unknown server mode: %s", cfg.ServerMode)
	}
}
