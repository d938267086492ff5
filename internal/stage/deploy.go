package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/core/fault"
)

// DeployResult describes one environment deployment.
type DeployResult struct {
	Environment   string    `json:"environment"`
	ModelID       string    `json:"model_id"`
	DeploymentURL string    `json:"deployment_url"`
	DeployedAt    time.Time `json:"deployed_at"`
}

// Deploy mocks rolling a model out to an environment.
func (s *Stages) Deploy(ctx context.Context, in *TrainResult, environment string) (*DeployResult, error) {
	if s.simulated(domain.StageDeploy) {
		return nil, fault.StageLogicf("simulated deployment failure in %s", environment)
	}
	if environment != "dev" && environment != "prod" {
		return nil, fault.Permanentf("unknown deployment environment %q", environment)
	}

	return &DeployResult{
		Environment:   environment,
		ModelID:       in.ModelID,
		DeploymentURL: fmt.Sprintf("http://models.%s.internal/models/%s/predict", environment, in.ModelID),
		DeployedAt:    time.Now().UTC(),
	}, nil
}
