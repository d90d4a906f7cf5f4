package worker

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-mindmap/internal/tasks"
)

// WorkerServer runs the asynq worker that persists snapshots.
type WorkerServer struct {
	server       *asynq.Server
	log          *logrus.Entry
	persister    SnapshotPersister
	rooms        LiveRooms
	checkpointer Checkpointer
}

// NewWorkerServer creates the worker. rooms and checkpointer may be nil, in
// which case periodic checks are not handled by this process.
func NewWorkerServer(redisOpt asynq.RedisClientOpt, persister SnapshotPersister, rooms LiveRooms, checkpointer Checkpointer, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retryCount, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logEntry.WithFields(logrus.Fields{
					"task_type": task.Type(),
					"retries":   retryCount,
					"max_retry": maxRetry,
				}).Errorf("Task failed: %v", err)
			}),
			Logger: logEntry,
		},
	)

	return &WorkerServer{
		server:       server,
		log:          logEntry,
		persister:    persister,
		rooms:        rooms,
		checkpointer: checkpointer,
	}
}

// Mux builds the task routing table.
func (ws *WorkerServer) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeSnapshotPersist, NewSnapshotPersistHandler(ws.persister).ProcessTask)
	if ws.rooms != nil && ws.checkpointer != nil {
		mux.HandleFunc(tasks.TypeSnapshotPeriodicCheck, NewSnapshotCheckHandler(ws.rooms, ws.checkpointer).ProcessTask)
	}
	return mux
}

// Start launches the worker goroutines and returns.
func (ws *WorkerServer) Start() error {
	ws.log.Info("Worker server starting...")
	return ws.server.Start(ws.Mux())
}

// Shutdown stops the worker, waiting for running tasks.
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}
