// Copyright 2022 The livecount Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/livecount/cmd"
	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

var cmdArgs cliArgs

var logTags log.Fields

// @title livecount
// @version v0.1.0
// @description Live connection counts across linked websocket rooms

// @host localhost:3000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Live connection counts across linked websocket rooms",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "hub",
				Usage:       "Run the livecount counter hub server",
				Description: "Tracks the connection count of every room, and pushes changes to subscribed rooms",
				Action:      startHubServer,
			},
			{
				Name:        "room",
				Usage:       "Run the livecount room server",
				Description: "Serves the client websockets, and the room summary cache",
				Action:      startRoomServer,
			},
			{
				Name:        "standalone",
				Usage:       "Run the counter hub and the room server in one process",
				Description: "Rooms and the counter hub talk in process; no transport is needed",
				Action:      startStandaloneServer,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := common.GetValidator()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareNATSClient define the NATS client, if the NATS transport is selected
func prepareNATSClient(
	config *common.SystemConfig, ctxtCancel context.CancelFunc,
) (*core.NatsClient, error) {
	if config.Transport != common.TransportNATS {
		return nil, nil
	}
	natsConfig := config.NATS
	natsParam := core.NATSConnectParams{
		ServerURI:           natsConfig.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(natsConfig.ConnectTimeout),
		MaxReconnectAttempt: natsConfig.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(natsConfig.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", natsConfig.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", natsConfig.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS client closed connection")
			ctxtCancel()
		},
	}
	return core.GetNATSClient(natsParam)
}

// closeNATSClient flush and close the NATS client, if one was defined
func closeNATSClient(natsClient *core.NatsClient) {
	if natsClient == nil {
		return
	}
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	natsClient.Close(ctxt)
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, ctxt context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-ctxt.Done():
		}
	}()
}

// serverRunner one of the livecount servers
type serverRunner func(
	ctxt context.Context,
	config *common.SystemConfig,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error

// runServer common subcommand flow: parse config, connect to NATS if needed, then run
// the server until SIGINT.
func runServer(runner serverRunner) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	natsClient, err := prepareNATSClient(config, rtCancel)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return err
	}
	defer closeNATSClient(natsClient)

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return runner(runTimeContext, config, natsClient, wg)
}

// ============================================================================
// Hub subcommand

// startHubServer run the counter hub server
func startHubServer(c *cli.Context) error {
	return runServer(func(
		ctxt context.Context,
		config *common.SystemConfig,
		natsClient *core.NatsClient,
		wg *sync.WaitGroup,
	) error {
		return cmd.RunHubServer(ctxt, config, cmdArgs.Hostname, natsClient, wg)
	})
}

// ============================================================================
// Room subcommand

// startRoomServer run the room server
func startRoomServer(c *cli.Context) error {
	return runServer(func(
		ctxt context.Context,
		config *common.SystemConfig,
		natsClient *core.NatsClient,
		wg *sync.WaitGroup,
	) error {
		return cmd.RunRoomServer(ctxt, config, cmdArgs.Hostname, natsClient, wg)
	})
}

// ============================================================================
// Standalone subcommand

// startStandaloneServer run the counter hub and the room server together
func startStandaloneServer(c *cli.Context) error {
	return runServer(func(
		ctxt context.Context,
		config *common.SystemConfig,
		_ *core.NatsClient,
		wg *sync.WaitGroup,
	) error {
		return cmd.RunStandaloneServer(ctxt, config, cmdArgs.Hostname, wg)
	})
}
