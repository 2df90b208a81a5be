package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"

	"sandrun/child"
	"sandrun/identity"
	"sandrun/server"
)

func init() {
	// The sandbox supervisor re-execs /proc/self/exe, so the daemon
	// binary is also the sandbox child.
	if len(os.Args) > 1 && os.Args[1] == "init" {
		runtime.GOMAXPROCS(1)
		runtime.LockOSThread()
		child.Run()

		panic("Sandbox child failed to init")
	}

	if os.Getenv("SANDRUN_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.SetOutput(os.Stderr)
}

func main() {
	config := server.ReadEnvConfig()

	var signer *identity.WorkerIdentity
	if config.KeyfilePath != "" {
		var err error
		signer, err = identity.FromKeyfile(config.KeyfilePath)
		if errors.Is(err, fs.ErrNotExist) {
			signer, err = identity.Generate()
			if err == nil {
				err = signer.SaveKeyfile(config.KeyfilePath)
			}
		}
		if err != nil {
			logrus.WithError(err).Fatal("Error setting up the worker identity")
		}
		logrus.WithField("public_key", signer.PublicKey()).Info("Worker identity loaded")
	}

	limiter := server.NewRateLimiter()
	runner := server.NewSandboxRunner(config.ProofEnabled)
	queue := server.NewQueue(runner, limiter, config.Workers)
	srv := server.New(queue, limiter, signer)
	queue.SetFinishHook(srv.SignCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
		queue.Shutdown()
		os.Exit(0)
	}()

	queue.Start(ctx)

	if err := srv.Run(config.Addr); err != nil {
		logrus.WithError(err).Fatal("Error running the job server")
	}
}
