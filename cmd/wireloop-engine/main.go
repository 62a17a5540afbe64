package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"wireloop/engine/internal/appdirs"
	"wireloop/engine/internal/engine"
	"wireloop/engine/internal/envfile"
	"wireloop/engine/internal/envutil"
	"wireloop/engine/internal/errinfo"
	"wireloop/engine/internal/logging"
	"wireloop/engine/internal/rpc"
)

func main() {
	envResult := envfile.Load()
	debug := envutil.Bool("WIRELOOP_DEBUG")
	dataDir, err := appdirs.DataDir()
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}
	logSetup, logErr := logging.NewFileLogger(dataDir, debug)
	logger := logSetup.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("component", "engine")
	if logSetup.Enabled {
		logger.Info("engine.logging_enabled", "path", logSetup.Path)
	}
	if envResult.Loaded {
		logger.Debug("engine.env_loaded", "path", envResult.Path, "keys", envResult.Keys)
	}
	if envResult.Err != nil {
		logger.Warn("engine.env_load_failed", "path", envResult.Path, "error", envResult.Err.Error())
	}
	if logErr != nil {
		logger.Warn("engine.log_setup_failed", "error", logErr.Error())
	}
	if logSetup.Close != nil {
		defer logSetup.Close()
	}

	server := rpc.NewServer(engine.APIVersion, os.Stdin, os.Stdout, logger)

	eng, err := engine.New(server.Notify, nil, engine.WithLogger(logger))
	if err != nil {
		logger.Error("engine.init_failed", "error", err.Error())
		log.Fatalf("engine init failed: %v", err)
	}
	defer eng.Close()

	register := func(method string, fn func(context.Context, json.RawMessage) (any, *errinfo.ErrorInfo)) {
		server.Register(method, func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
			result, errInfo := fn(ctx, params)
			if errInfo != nil {
				msg := errInfo.ErrorCode
				if errInfo.Detail != "" {
					msg = errInfo.Detail
				}
				return nil, &rpc.Error{Message: msg, Data: errInfo}
			}
			return result, nil
		})
	}

	register("EngineGetInfo", eng.EngineGetInfo)

	register("ProvidersGetStatus", eng.ProvidersGetStatus)
	register("ProvidersSetApiKey", eng.ProvidersSetApiKey)
	register("ProvidersClearApiKey", eng.ProvidersClearApiKey)
	register("ProvidersValidate", eng.ProvidersValidate)
	register("ProvidersSetEnabled", eng.ProvidersSetEnabled)
	register("ProvidersOAuthStart", eng.ProvidersOAuthStart)
	register("ProvidersOAuthComplete", eng.ProvidersOAuthComplete)

	register("SessionsCreate", eng.SessionsCreate)
	register("SessionsList", eng.SessionsList)
	register("SessionsGet", eng.SessionsGet)
	register("SessionsDelete", eng.SessionsDelete)

	register("UserMessage", eng.UserMessage)
	register("Approval", eng.Approval)
	register("Cancel", eng.Cancel)
	register("SwitchForeground", eng.SwitchForeground)
	register("SetPolicy", eng.SetPolicy)

	if err := server.Serve(context.Background()); err != nil {
		logger.Error("rpc.server_error", "error", err.Error())
		log.Fatalf("rpc server error: %v", err)
	}
}
