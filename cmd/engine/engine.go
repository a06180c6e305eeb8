package engine

import (
	"pumpengine/src/database"
	"pumpengine/src/repository"
	"pumpengine/src/server"
	"pumpengine/src/session"

	"github.com/sirupsen/logrus"
)

type Engine struct{}

// Start wires the persistence layer into a session manager and runs the
// HTTP API until the process is signalled to stop.
func (e *Engine) Start() error {
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to main database")
		return err
	}

	credentials := repository.NewCredentialRepository()

	manager := session.NewManager(session.GetConfig(), session.Stores{
		Orders:      repository.NewOrderRepository(),
		Positions:   repository.NewPositionRepository(),
		Drifts:      repository.NewDriftRepository(),
		Strategies:  repository.NewStrategyRepository(),
		Credentials: credentials,
	})

	serverConfig := server.GetConfig()
	server.StartServer(serverConfig.Port, manager)

	return nil
}
