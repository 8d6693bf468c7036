package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/docchat/api/internal/config"
	"github.com/docchat/api/internal/model"
)

type sfnAPI interface {
	StartExecution(ctx context.Context, in *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	DescribeExecution(ctx context.Context, in *sfn.DescribeExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error)
}

// StepFunctionsEngine runs WORKFLOW jobs on AWS Step Functions.
type StepFunctionsEngine struct {
	api             sfnAPI
	stateMachineARN string
}

func NewStepFunctionsEngine(ctx context.Context, cfg *config.WorkflowConfig) (*StepFunctionsEngine, error) {
	if cfg.StateMachineARN == "" {
		return nil, fmt.Errorf("step functions configuration incomplete")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &StepFunctionsEngine{
		api:             sfn.NewFromConfig(awsCfg),
		stateMachineARN: cfg.StateMachineARN,
	}, nil
}

func (e *StepFunctionsEngine) Name() string { return "stepfunctions" }

// Start names the execution after the request, so a redelivered start either
// returns the running execution or fails with ExecutionAlreadyExists, which is
// resolved to the same execution ARN.
func (e *StepFunctionsEngine) Start(ctx context.Context, in model.WorkflowInput) (*model.WorkflowExecutionRef, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow input: %w", err)
	}
	name := executionName(in.RequestID)

	out, err := e.api.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(e.stateMachineARN),
		Name:            aws.String(name),
		Input:           aws.String(string(payload)),
	})
	if err != nil {
		var exists *types.ExecutionAlreadyExists
		if errors.As(err, &exists) {
			return e.existingExecution(ctx, executionARN(e.stateMachineARN, name)), nil
		}
		return nil, fmt.Errorf("failed to start execution: %w", err)
	}

	ref := &model.WorkflowExecutionRef{ExecutionID: aws.ToString(out.ExecutionArn), StartTime: time.Now().UTC()}
	if out.StartDate != nil {
		ref.StartTime = out.StartDate.UTC()
	}
	return ref, nil
}

// existingExecution keeps the original start date so progress estimation
// resumes where it was. The start time only feeds the estimate, so a failed
// describe falls back to now.
func (e *StepFunctionsEngine) existingExecution(ctx context.Context, arn string) *model.WorkflowExecutionRef {
	ref := &model.WorkflowExecutionRef{ExecutionID: arn, StartTime: time.Now().UTC()}
	out, err := e.api.DescribeExecution(ctx, &sfn.DescribeExecutionInput{ExecutionArn: aws.String(arn)})
	if err == nil && out != nil && out.StartDate != nil {
		ref.StartTime = out.StartDate.UTC()
	}
	return ref
}

func (e *StepFunctionsEngine) Describe(ctx context.Context, executionID string) (*Execution, error) {
	out, err := e.api.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
		ExecutionArn: aws.String(executionID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe execution: %w", err)
	}

	ex := &Execution{
		State: stateFromSFN(out.Status),
		Error: aws.ToString(out.Error),
		Cause: aws.ToString(out.Cause),
	}
	if out.Output != nil && json.Valid([]byte(*out.Output)) {
		ex.Output = json.RawMessage(*out.Output)
	}
	if out.StartDate != nil {
		ex.StartTime = *out.StartDate
	}
	return ex, nil
}

func stateFromSFN(s types.ExecutionStatus) ExecutionState {
	switch s {
	case types.ExecutionStatusSucceeded:
		return ExecutionSucceeded
	case types.ExecutionStatusFailed:
		return ExecutionFailed
	case types.ExecutionStatusTimedOut:
		return ExecutionTimedOut
	case types.ExecutionStatusAborted:
		return ExecutionAborted
	}
	// RUNNING and anything newer than this client keep the monitor polling
	return ExecutionRunning
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// executionName is a valid Step Functions name (max 80 chars) derived from requestID.
func executionName(requestID string) string {
	name := invalidNameChars.ReplaceAllString(requestID, "-")
	name = "job-" + name
	if len(name) > 80 {
		name = name[:80]
	}
	return name
}

// executionARN builds arn:...:execution:<machine>:<name> from a state machine ARN.
func executionARN(stateMachineARN, name string) string {
	return strings.Replace(stateMachineARN, ":stateMachine:", ":execution:", 1) + ":" + name
}
