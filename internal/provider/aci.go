package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerinstance/armcontainerinstance/v2"
	"go.uber.org/zap"
)

// workerContainerName is the single container inside every worker group.
const workerContainerName = "worker"

// ACIProvider drives Azure Container Instances. Identity is ambient via
// the default credential chain.
type ACIProvider struct {
	groups        *armcontainerinstance.ContainerGroupsClient
	containers    *armcontainerinstance.ContainersClient
	resourceGroup string
	location      string
	logger        *zap.Logger
}

// ACIConfig locates the subscription and resource group workers run in.
type ACIConfig struct {
	SubscriptionID string
	ResourceGroup  string
	Location       string
}

// NewACIProvider creates a provider for Azure Container Instances.
func NewACIProvider(cfg ACIConfig, logger *zap.Logger) (*ACIProvider, error) {
	if cfg.SubscriptionID == "" || cfg.ResourceGroup == "" {
		return nil, fmt.Errorf("aci provider: subscription_id and resource_group are required")
	}
	if cfg.Location == "" {
		cfg.Location = "eastus"
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}

	factory, err := armcontainerinstance.NewClientFactory(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("aci client: %w", err)
	}

	return &ACIProvider{
		groups:        factory.NewContainerGroupsClient(),
		containers:    factory.NewContainersClient(),
		resourceGroup: cfg.ResourceGroup,
		location:      cfg.Location,
		logger:        logger,
	}, nil
}

// Create submits the container group and returns once the request is
// accepted; it does not wait for provisioning to finish.
func (p *ACIProvider) Create(ctx context.Context, spec Spec) (string, error) {
	group := armcontainerinstance.ContainerGroup{
		Location: to.Ptr(p.location),
		Properties: &armcontainerinstance.ContainerGroupPropertiesProperties{
			OSType:        to.Ptr(armcontainerinstance.OperatingSystemTypesLinux),
			RestartPolicy: to.Ptr(armcontainerinstance.ContainerGroupRestartPolicyNever),
			Containers: []*armcontainerinstance.Container{{
				Name: to.Ptr(workerContainerName),
				Properties: &armcontainerinstance.ContainerProperties{
					Image:                to.Ptr(spec.Image),
					EnvironmentVariables: envVars(spec.Env),
					Resources: &armcontainerinstance.ResourceRequirements{
						Requests: &armcontainerinstance.ResourceRequests{
							CPU:        to.Ptr(spec.CPUCores),
							MemoryInGB: to.Ptr(spec.MemoryGiB),
						},
					},
				},
			}},
		},
	}

	_, err := p.groups.BeginCreateOrUpdate(ctx, p.resourceGroup, spec.GroupName, group, nil)
	if err != nil {
		return "", classify("create", err)
	}

	p.logger.Info("submitted container group",
		zap.String("group", spec.GroupName),
		zap.String("image", spec.Image))
	return spec.GroupName, nil
}

// Status inspects the group's first container instance view.
func (p *ACIProvider) Status(ctx context.Context, providerID string) (Status, error) {
	resp, err := p.groups.Get(ctx, p.resourceGroup, providerID, nil)
	if err != nil {
		if isNotFound(err) {
			return Status{State: StateUnknown}, nil
		}
		return Status{}, classify("status", err)
	}

	props := resp.Properties
	if props == nil || len(props.Containers) == 0 {
		return Status{State: StateUnknown}, nil
	}
	c := props.Containers[0]
	if c.Properties == nil || c.Properties.InstanceView == nil || c.Properties.InstanceView.CurrentState == nil {
		return Status{State: StateUnknown}, nil
	}

	current := c.Properties.InstanceView.CurrentState
	state := ""
	if current.State != nil {
		state = *current.State
	}
	switch state {
	case "Running":
		return Status{State: StateRunning}, nil
	case "Terminated":
		return Status{State: StateTerminated, ExitCode: current.ExitCode}, nil
	default:
		return Status{State: StateUnknown}, nil
	}
}

// Delete tears the group down; a missing group counts as deleted.
func (p *ACIProvider) Delete(ctx context.Context, providerID string) error {
	_, err := p.groups.BeginDelete(ctx, p.resourceGroup, providerID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify("delete", err)
	}
	p.logger.Info("deleted container group", zap.String("group", providerID))
	return nil
}

// Logs fetches the worker container's output.
func (p *ACIProvider) Logs(ctx context.Context, providerID string) ([]byte, error) {
	resp, err := p.containers.ListLogs(ctx, p.resourceGroup, providerID, workerContainerName, nil)
	if err != nil {
		return nil, classify("logs", err)
	}
	if resp.Content == nil {
		return nil, nil
	}
	return []byte(*resp.Content), nil
}

func envVars(env map[string]string) []*armcontainerinstance.EnvironmentVariable {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vars := make([]*armcontainerinstance.EnvironmentVariable, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, &armcontainerinstance.EnvironmentVariable{
			Name:  to.Ptr(k),
			Value: to.Ptr(env[k]),
		})
	}
	return vars
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// classify maps transport failures onto the retry taxonomy: 429 is
// throttling, 5xx and timeouts are transient, the rest is fatal.
func classify(op string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusTooManyRequests:
			return &Error{Code: CodeThrottled, Op: op, Err: err}
		case respErr.StatusCode >= 500 || respErr.StatusCode == http.StatusRequestTimeout:
			return &Error{Code: CodeUnavailable, Op: op, Err: err}
		default:
			return &Error{Code: CodeFatal, Op: op, Err: err}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Code: CodeUnavailable, Op: op, Err: err}
}
