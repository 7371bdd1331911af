package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/types"
)

// Client is the control plane's view of agent-side operations. Check
// calls are cheap liveness probes used by the health keepers; control
// calls drive kernel lifecycles on the agent.
type Client interface {
	// CheckPulling asks whether an image pull is still making progress
	CheckPulling(ctx context.Context, agentID, imageRef string) (bool, error)

	// CheckCreating asks whether a kernel's container creation is
	// still making progress
	CheckCreating(ctx context.Context, agentID, kernelID string) (bool, error)

	// CreateKernel instructs the agent to start a kernel container
	CreateKernel(ctx context.Context, agentID string, kernel *types.Kernel) error

	// DestroyKernel instructs the agent to stop and remove a kernel
	DestroyKernel(ctx context.Context, agentID, kernelID, reason string) error

	// PurgeImages asks the agent to remove unused images
	PurgeImages(ctx context.Context, agentID string, imageRefs []string) error
}

type checkPullingRequest struct {
	ImageRef string `json:"image_ref"`
}

type checkCreatingRequest struct {
	KernelID string `json:"kernel_id"`
}

type createKernelRequest struct {
	Kernel *types.Kernel `json:"kernel"`
}

type destroyKernelRequest struct {
	KernelID string `json:"kernel_id"`
	Reason   string `json:"reason"`
}

type purgeImagesRequest struct {
	ImageRefs []string `json:"image_refs"`
}

type rpcResponse struct {
	OK     bool   `json:"ok"`
	Active bool   `json:"active,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NATSClient talks to agents over NATS request/reply. Each agent
// subscribes to agent.<id>.rpc.<method>; a reply timeout means the
// agent is unreachable and surfaces as a transient error.
type NATSClient struct {
	conn           *nats.Conn
	checkTimeout   time.Duration
	controlTimeout time.Duration
	logger         zerolog.Logger
}

// NewNATSClient wraps an existing NATS connection
func NewNATSClient(conn *nats.Conn, cfg *config.RPCConfig) *NATSClient {
	return &NATSClient{
		conn:           conn,
		checkTimeout:   cfg.CheckTimeout(),
		controlTimeout: cfg.ControlTimeout(),
		logger:         log.WithComponent("agentclient"),
	}
}

func subject(agentID, method string) string {
	return fmt.Sprintf("agent.%s.rpc.%s", agentID, method)
}

// request performs one request/reply exchange within the timeout
func (c *NATSClient) request(ctx context.Context, agentID, method string, payload any, timeout time.Duration) (*rpcResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, types.WrapError(types.KindFailure, err, "failed to marshal rpc request")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.conn.RequestWithContext(ctx, subject(agentID, method), data)
	if err != nil {
		// Timeouts and no-responder both mean the agent did not
		// answer; the caller decides whether that is fatal.
		return nil, types.WrapError(types.KindTransient, err,
			fmt.Sprintf("agent %s did not answer %s", agentID, method))
	}

	var resp rpcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, types.WrapError(types.KindFailure, err, "malformed rpc response")
	}
	if !resp.OK {
		return &resp, types.NewError(types.KindFailure, "agent %s rejected %s: %s", agentID, method, resp.Error)
	}
	return &resp, nil
}

func (c *NATSClient) CheckPulling(ctx context.Context, agentID, imageRef string) (bool, error) {
	resp, err := c.request(ctx, agentID, "check_pulling", checkPullingRequest{ImageRef: imageRef}, c.checkTimeout)
	if err != nil {
		return false, err
	}
	return resp.Active, nil
}

func (c *NATSClient) CheckCreating(ctx context.Context, agentID, kernelID string) (bool, error) {
	resp, err := c.request(ctx, agentID, "check_creating", checkCreatingRequest{KernelID: kernelID}, c.checkTimeout)
	if err != nil {
		return false, err
	}
	return resp.Active, nil
}

// control wraps a control-plane-to-agent mutation with bounded retries
// on transient failures
func (c *NATSClient) control(ctx context.Context, agentID, method string, payload any) error {
	return retry.Do(
		func() error {
			_, err := c.request(ctx, agentID, method, payload, c.controlTimeout)
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(types.IsTransient),
		retry.Context(ctx),
	)
}

func (c *NATSClient) CreateKernel(ctx context.Context, agentID string, kernel *types.Kernel) error {
	return c.control(ctx, agentID, "create_kernel", createKernelRequest{Kernel: kernel})
}

func (c *NATSClient) DestroyKernel(ctx context.Context, agentID, kernelID, reason string) error {
	return c.control(ctx, agentID, "destroy_kernel", destroyKernelRequest{KernelID: kernelID, Reason: reason})
}

func (c *NATSClient) PurgeImages(ctx context.Context, agentID string, imageRefs []string) error {
	return c.control(ctx, agentID, "purge_images", purgeImagesRequest{ImageRefs: imageRefs})
}
