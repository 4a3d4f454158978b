package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/0711-os/orchestrator/internal/activity"
	"github.com/0711-os/orchestrator/internal/connection"
	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/orchestrator"
	"github.com/0711-os/orchestrator/internal/recommend"
)

func registerActivities(env *testsuite.TestWorkflowEnvironment) {
	env.RegisterActivity(&activity.Deployment{})
}

var acmeParams = activity.OnboardParams{CustomerID: "acme", CompanyName: "Acme GmbH", Connectors: []string{"etim"}}

func deployed() *model.DeploymentOutcome {
	return &model.DeploymentOutcome{
		CustomerID: "acme",
		Status:     model.StatusDeployed,
		Created:    []string{"console-backend", "console-frontend", "embeddings", "inference"},
	}
}

func partiallyFailed() *model.DeploymentOutcome {
	return &model.DeploymentOutcome{
		CustomerID: "acme",
		Status:     model.StatusFailed,
		Created:    []string{"console-backend", "console-frontend", "inference"},
		Failed:     map[string]string{"embeddings": "runtime start embeddings: image pull failed"},
	}
}

// ---------- OnboardCustomerWorkflow ----------

type OnboardCustomerWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func (s *OnboardCustomerWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	registerActivities(s.env)
}

func (s *OnboardCustomerWorkflowTestSuite) AfterTest(suiteName, testName string) {
	s.env.AssertExpectations(s.T())
}

func (s *OnboardCustomerWorkflowTestSuite) TestSuccess() {
	s.env.OnActivity("PlanDeployment", mock.Anything, acmeParams).
		Return(&activity.PlanResult{BasePort: 5100, Units: []string{"inference"}}, nil)
	s.env.OnActivity("ApplyDeployment", mock.Anything, activity.ApplyParams{CustomerID: "acme"}).
		Return(deployed(), nil).Once()

	s.env.ExecuteWorkflow(OnboardCustomerWorkflow, acmeParams)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())

	var out model.DeploymentOutcome
	s.NoError(s.env.GetWorkflowResult(&out))
	s.Equal(model.StatusDeployed, out.Status)
}

func (s *OnboardCustomerWorkflowTestSuite) TestRetriesFailedUnits() {
	s.env.OnActivity("PlanDeployment", mock.Anything, acmeParams).
		Return(&activity.PlanResult{BasePort: 5100}, nil)
	s.env.OnActivity("ApplyDeployment", mock.Anything, mock.Anything).
		Return(partiallyFailed(), nil).Once()
	s.env.OnActivity("ApplyDeployment", mock.Anything, mock.Anything).
		Return(deployed(), nil).Once()

	s.env.ExecuteWorkflow(OnboardCustomerWorkflow, acmeParams)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func (s *OnboardCustomerWorkflowTestSuite) TestGivesUpAfterAttempts() {
	s.env.OnActivity("PlanDeployment", mock.Anything, acmeParams).
		Return(&activity.PlanResult{BasePort: 5100}, nil)
	s.env.OnActivity("ApplyDeployment", mock.Anything, mock.Anything).
		Return(partiallyFailed(), nil).Times(ApplyAttempts)

	s.env.ExecuteWorkflow(OnboardCustomerWorkflow, acmeParams)
	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
	s.Contains(s.env.GetWorkflowError().Error(), "embeddings")
}

func (s *OnboardCustomerWorkflowTestSuite) TestPlanValidationFailureIsFinal() {
	s.env.OnActivity("PlanDeployment", mock.Anything, mock.Anything).
		Return(nil, temporal.NewNonRetryableApplicationError("unknown connector", "VALIDATION_ERROR", nil)).Once()

	s.env.ExecuteWorkflow(OnboardCustomerWorkflow, acmeParams)
	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
	s.Contains(s.env.GetWorkflowError().Error(), "plan deployment for acme")
}

func TestOnboardCustomerWorkflow(t *testing.T) {
	suite.Run(t, new(OnboardCustomerWorkflowTestSuite))
}

// ---------- Connector workflows ----------

type ConnectorWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func (s *ConnectorWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	registerActivities(s.env)
}

func (s *ConnectorWorkflowTestSuite) AfterTest(suiteName, testName string) {
	s.env.AssertExpectations(s.T())
}

func (s *ConnectorWorkflowTestSuite) TestInstall() {
	req := orchestrator.InstallRequest{CustomerID: "acme", Connector: "postgres", LicenseKey: "lic-1"}
	s.env.OnActivity("InstallConnector", mock.Anything, req).Return(&orchestrator.InstallResult{
		Activated: true,
		Test:      model.ConnectionTestResult{Status: model.ConnectionOK},
		Sidecar:   &model.SidecarResult{CustomerID: "acme", Connector: "postgres", HostPort: 5130, Status: model.SidecarRunning},
	}, nil)

	s.env.ExecuteWorkflow(InstallConnectorWorkflow, req)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())

	var res orchestrator.InstallResult
	s.NoError(s.env.GetWorkflowResult(&res))
	s.True(res.Activated)
	s.Equal(5130, res.Sidecar.HostPort)
}

func (s *ConnectorWorkflowTestSuite) TestInstallNotFound() {
	req := orchestrator.InstallRequest{CustomerID: "acme", Connector: "postgres"}
	s.env.OnActivity("InstallConnector", mock.Anything, req).
		Return(nil, temporal.NewNonRetryableApplicationError("manifest for acme: not found", "NOT_FOUND", nil)).Once()

	s.env.ExecuteWorkflow(InstallConnectorWorkflow, req)
	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
}

func (s *ConnectorWorkflowTestSuite) TestUninstallAbsent() {
	params := activity.UninstallParams{CustomerID: "acme", Connector: "sharepoint"}
	s.env.OnActivity("UninstallConnector", mock.Anything, params).Return(false, nil)

	s.env.ExecuteWorkflow(UninstallConnectorWorkflow, params)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())

	var removed bool
	s.NoError(s.env.GetWorkflowResult(&removed))
	s.False(removed)
}

func (s *ConnectorWorkflowTestSuite) TestOffboard() {
	s.env.OnActivity("OffboardCustomer", mock.Anything, "acme").Return(nil)

	s.env.ExecuteWorkflow(OffboardCustomerWorkflow, "acme")
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func TestConnectorWorkflows(t *testing.T) {
	suite.Run(t, new(ConnectorWorkflowTestSuite))
}

// ---------- ProbeDeploymentsWorkflow / EvaluateGrowthWorkflow ----------

type MonitorWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func (s *MonitorWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	registerActivities(s.env)
}

func (s *MonitorWorkflowTestSuite) AfterTest(suiteName, testName string) {
	s.env.AssertExpectations(s.T())
}

func (s *MonitorWorkflowTestSuite) TestProbe() {
	s.env.OnActivity("ProbeDeployments", mock.Anything).Return(&connection.CheckReport{
		Checked:  2,
		Degraded: []string{"acme"},
	}, nil)

	s.env.ExecuteWorkflow(ProbeDeploymentsWorkflow)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func (s *MonitorWorkflowTestSuite) TestProbeFails() {
	s.env.OnActivity("ProbeDeployments", mock.Anything).Return(nil, errors.New("state store unavailable"))

	s.env.ExecuteWorkflow(ProbeDeploymentsWorkflow)
	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
}

func (s *MonitorWorkflowTestSuite) TestEvaluateGrowth() {
	params := activity.GrowthParams{
		Stats:   recommend.CustomerStats{CustomerID: "acme"},
		Changes: recommend.ObservedChanges{NewDocuments: 2000},
	}
	s.env.OnActivity("EvaluateGrowth", mock.Anything, params).Return(&orchestrator.GrowthReport{
		CustomerID: "acme",
		Recommendations: []model.Recommendation{
			{Category: model.CategoryEmbeddings, JobType: recommend.JobEmbeddingGeneration, Priority: 5, Items: 2000},
		},
		Triggered: map[string]string{recommend.JobEmbeddingGeneration: "pipeline-acme-embedding_generation"},
	}, nil)

	s.env.ExecuteWorkflow(EvaluateGrowthWorkflow, params)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())

	var report orchestrator.GrowthReport
	s.NoError(s.env.GetWorkflowResult(&report))
	s.Len(report.Recommendations, 1)
	s.Contains(report.Triggered, recommend.JobEmbeddingGeneration)
}

func TestMonitorWorkflows(t *testing.T) {
	suite.Run(t, new(MonitorWorkflowTestSuite))
}
