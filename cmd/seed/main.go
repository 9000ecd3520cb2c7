package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ricmars/visualization-sub001/internal/checkpoint"
	"github.com/ricmars/visualization-sub001/internal/config"
	"github.com/ricmars/visualization-sub001/internal/logging"
	"github.com/ricmars/visualization-sub001/internal/repository"
	"github.com/ricmars/visualization-sub001/internal/services"
	"github.com/ricmars/visualization-sub001/pkg/models"
)

const sampleName = "Vacation Request"

func main() {
	envFile := flag.String("env", "", "Path to .env file")
	flag.Parse()

	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var (
		store    repository.Store
		sessions checkpoint.Store
	)
	if cfg.Storage.Driver == "memory" {
		logger.Warn("Seeding in-memory storage; nothing will persist")
		store, sessions = repository.NewMemory(), checkpoint.NewMemoryStore()
	} else {
		pool, err := pgxpool.New(ctx, cfg.DSN())
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		defer pool.Close()
		if err := repository.Migrate(ctx, pool); err != nil {
			log.Fatalf("Failed to migrate: %v", err)
		}
		store, sessions = repository.NewPostgres(pool), checkpoint.NewPostgresStore(pool)
	}

	svc := services.NewWorkflowService(store, logger)
	checkpoints := checkpoint.NewManager(sessions, store, logger)

	existing, err := svc.ListCases(ctx)
	if err != nil {
		log.Fatalf("Failed to list cases: %v", err)
	}
	for _, c := range existing {
		if c.Name == sampleName {
			logger.Info("Sample case already present", "id", c.ID)
			return
		}
	}

	sessionID, err := checkpoints.Begin(ctx, 0, "seed sample case", checkpoint.OriginSeed)
	if err != nil {
		log.Fatalf("Failed to begin checkpoint: %v", err)
	}
	sctx := checkpoint.WithRecorder(ctx, checkpoints.Recorder(sessionID))

	c, err := seed(sctx, svc)
	if err != nil {
		if rbErr := checkpoints.Rollback(ctx, sessionID); rbErr != nil {
			logger.Error("Rollback failed", "session", sessionID, "error", rbErr)
		}
		logger.Error("Seeding failed", "error", err)
		os.Exit(1)
	}
	if err := checkpoints.Commit(ctx, sessionID); err != nil {
		log.Fatalf("Failed to commit checkpoint: %v", err)
	}
	logger.Info("Seeded sample case", "id", c.ID, "name", c.Name, "session", sessionID)
}

func seed(ctx context.Context, svc *services.WorkflowService) (*models.WorkflowCase, error) {
	c, err := svc.CreateCase(ctx, sampleName, "Employee requests time off and a manager approves it.")
	if err != nil {
		return nil, fmt.Errorf("creating case: %w", err)
	}

	res, err := svc.SaveFields(ctx, c.ID, []services.FieldInput{
		{Name: "employeeName", Type: models.FieldText, Label: "Employee name", Required: true, Primary: true},
		{Name: "startDate", Type: models.FieldDate, Label: "Start date", Required: true, Order: 1},
		{Name: "endDate", Type: models.FieldDate, Label: "End date", Required: true, Order: 2},
		{Name: "reason", Type: models.FieldTextArea, Label: "Reason", Order: 3},
	})
	if err != nil {
		return nil, fmt.Errorf("saving fields: %w", err)
	}

	var placed []models.ViewField
	for i, f := range res.Fields {
		placed = append(placed, models.ViewField{FieldID: f.ID, Required: f.Required, Order: i})
	}
	view, _, err := svc.SaveView(ctx, services.ViewInput{
		CaseID: c.ID,
		Name:   "Request details",
		Model: models.ViewModel{
			Fields: placed,
			Layout: models.Layout{Type: "form", Columns: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("saving view: %w", err)
	}

	viewID := view.ID
	return svc.SaveCase(ctx, services.CaseInput{
		ID: c.ID,
		Model: models.CaseModel{Stages: []models.Stage{
			{ID: 1, Name: "Request", Order: 0, Processes: []models.Process{
				{ID: 1, Name: "Submit", Order: 0, Steps: []models.Step{
					{ID: 1, Name: "Enter details", Type: models.StepCollectInformation, ViewID: &viewID},
				}},
			}},
			{ID: 2, Name: "Approval", Order: 1, Processes: []models.Process{
				{ID: 2, Name: "Review", Order: 0, Steps: []models.Step{
					{ID: 2, Name: "Manager approval", Type: models.StepApproveReject},
					{ID: 3, Name: "Notify employee", Type: models.StepSendNotification, Order: 1},
				}},
			}},
		}},
	})
}
