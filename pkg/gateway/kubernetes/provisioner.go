// Package kubernetes provides a sandboxhttp.Provisioner that places
// sandbox servers through agent-sandbox SandboxClaim CRDs. Each
// environment gets its own claim; releasing the environment deletes the
// claim and the controller reclaims the pod.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/runboxd/runbox/pkg/debug"
	"github.com/runboxd/runbox/pkg/gateway/sandboxhttp"
)

// Ensure ClaimProvisioner implements the placement contract.
var _ sandboxhttp.Provisioner = (*ClaimProvisioner)(nil)

// ClaimProvisioner creates one SandboxClaim per environment, waits for
// the corresponding Sandbox to become ready, and returns the Sandbox's
// serviceFQDN as the sandbox server URL.
type ClaimProvisioner struct {
	client    client.Client
	templates map[string]string
	fallback  string
	namespace string
	timeout   time.Duration
}

// Config holds provisioner settings.
type Config struct {
	// Templates maps a language to a SandboxTemplate name.
	Templates map[string]string

	// DefaultTemplate is used for languages without an explicit mapping.
	DefaultTemplate string

	// Namespace is where claims are created.
	Namespace string

	// ReadyTimeout bounds the wait for a Sandbox to become ready.
	// Default: 60 seconds.
	ReadyTimeout time.Duration
}

// NewClaimProvisioner creates a provisioner on top of a controller-runtime
// client.
func NewClaimProvisioner(c client.Client, cfg Config) *ClaimProvisioner {
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	return &ClaimProvisioner{
		client:    c,
		templates: cfg.Templates,
		fallback:  cfg.DefaultTemplate,
		namespace: cfg.Namespace,
		timeout:   cfg.ReadyTimeout,
	}
}

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// Provision creates a SandboxClaim for the language's template, waits
// for the Sandbox to become ready, and returns the sandbox URL
// (http://<serviceFQDN>:8080) along with a release function that
// deletes the claim.
func (p *ClaimProvisioner) Provision(ctx context.Context, language string) (string, func(), error) {
	template, ok := p.templates[language]
	if !ok {
		template = p.fallback
	}
	if template == "" {
		return "", nil, fmt.Errorf("no sandbox template for language %q", language)
	}

	claimName := generateClaimNameFn()

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      claimName,
			Namespace: p.namespace,
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{
				Name: template,
			},
		},
	}

	if err := p.client.Create(ctx, claim); err != nil {
		return "", nil, fmt.Errorf("create SandboxClaim %q: %w", claimName, err)
	}

	debug.Log("gateway", "created SandboxClaim", "name", claimName, "namespace", p.namespace, "template", template)

	serviceFQDN, err := p.waitForReady(ctx, claimName)
	if err != nil {
		// Clean up the claim on error.
		p.deleteClaim(context.Background(), claimName)
		return "", nil, err
	}

	sandboxURL := fmt.Sprintf("http://%s:8080", serviceFQDN)

	release := func() {
		p.deleteClaim(context.Background(), claimName)
	}

	debug.Log("gateway", "sandbox provisioned", "name", claimName, "url", sandboxURL)
	return sandboxURL, release, nil
}

// waitForReady polls the Sandbox resource until its Ready condition is
// True or the timeout expires.
func (p *ClaimProvisioner) waitForReady(ctx context.Context, sandboxName string) (string, error) {
	deadline := time.After(p.timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("context cancelled waiting for Sandbox %q: %w", sandboxName, ctx.Err())
		case <-deadline:
			return "", fmt.Errorf("timeout waiting for Sandbox %q to become ready (waited %s)", sandboxName, p.timeout)
		case <-ticker.C:
			sandbox := &sandboxv1alpha1.Sandbox{}
			key := types.NamespacedName{Name: sandboxName, Namespace: p.namespace}
			if err := p.client.Get(ctx, key, sandbox); err != nil {
				// Sandbox may not exist yet (controller hasn't created it). Keep polling.
				debug.Log("gateway", "waiting for Sandbox", "name", sandboxName, "error", err.Error())
				continue
			}

			if isReady(sandbox) {
				if sandbox.Status.ServiceFQDN == "" {
					continue // Ready but FQDN not yet populated.
				}
				return sandbox.Status.ServiceFQDN, nil
			}
		}
	}
}

// isReady checks if the Sandbox has a Ready condition set to True.
func isReady(sandbox *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sandbox.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// deleteClaim deletes a SandboxClaim. Errors are logged but not returned
// since this is called from release functions and cleanup paths.
func (p *ClaimProvisioner) deleteClaim(ctx context.Context, name string) {
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.namespace,
		},
	}
	if err := p.client.Delete(ctx, claim); err != nil {
		slog.Warn("failed to delete SandboxClaim", "name", name, "namespace", p.namespace, "error", err.Error())
		return
	}
	debug.Log("gateway", "deleted SandboxClaim", "name", name, "namespace", p.namespace)
}

// generateClaimNameFn creates a unique name for a SandboxClaim.
// Replaceable in tests for deterministic naming.
var generateClaimNameFn = func() string {
	return "runbox-" + uuid.NewString()[:8]
}
