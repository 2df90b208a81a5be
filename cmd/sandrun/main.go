package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"sandrun/child"
	"sandrun/entities"
	"sandrun/sandbox"
	"sandrun/utils"
)

type payload struct {
	JobId  string                 `mapstructure:"job_id"`
	Code   string                 `mapstructure:"code" validate:"required"`
	Config entities.SandboxConfig `mapstructure:"config"`
}

func init() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		// We are the sandbox child, re-exec'd into fresh namespaces.
		runtime.GOMAXPROCS(1)
		runtime.LockOSThread()
		child.Run()

		panic("Sandbox child failed to init")
	}

	if os.Getenv("SANDRUN_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.FatalLevel)
	}

	logrus.SetOutput(os.Stderr)
}

func main() {
	var input string

	inputFile := os.Getenv("SANDRUN_FILE")
	if inputFile == "" {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 1024*1024), 100*1024*1024)

		builder := strings.Builder{}
		for scanner.Scan() {
			builder.WriteString(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			logrus.WithError(err).Fatal("Error reading from stdin")
		}

		input = builder.String()
	} else {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			logrus.WithError(err).Fatalf("Error reading input file: %s", inputFile)
		}
		input = string(data)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(input), &raw); err != nil {
		logrus.WithError(err).Fatal("Error unmarshalling the input")
	}

	var job payload
	if err := mapstructure.Decode(raw, &job); err != nil {
		logrus.WithError(err).Fatal("Error unmarshalling the input")
	}

	validate := validator.New()
	if err := validate.Struct(job); err != nil {
		logrus.WithError(err).Fatal("Invalid job payload")
	}

	if job.JobId == "" {
		job.JobId = utils.NewJobId()
	}

	sb, err := sandbox.New(job.Config)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid sandbox config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	result := sb.Execute(ctx, []byte(job.Code), job.JobId)

	output, err := json.Marshal(&result)
	if err != nil {
		logrus.WithError(err).Fatal("Error marshalling the result")
	}
	fmt.Println(string(output))
}
