package proxykit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// InstallationOutcome is the best-effort result of notifying the backend of
// a shop installation. Callers must either log or deliberately discard it;
// the notifier itself never fails its caller.
type InstallationOutcome struct {
	Shop            string
	AuthURL         string
	Status          string
	Message         string
	BackendResponse string
}

// Succeeded reports whether the backend acknowledged the notification.
func (outcome InstallationOutcome) Succeeded() bool {
	return outcome.Status == InstallationStatusSuccess
}

// Log writes the outcome to the supplied logger at the appropriate level.
func (outcome InstallationOutcome) Log(logger *zap.Logger) {
	if logger == nil {
		logger = activeLogger()
	}
	fields := []zap.Field{
		zap.String("shop", outcome.Shop),
		zap.String("auth_url", outcome.AuthURL),
		zap.String("message", outcome.Message),
	}
	if outcome.Succeeded() {
		logger.Info("install notification delivered", fields...)
		return
	}
	logger.Warn("install notification failed", fields...)
}

// InstallationNotifier fires a one-shot GET to the backend after a shop
// completes OAuth, handing over the new offline access token so the backend
// can provision shop-side resources.
type InstallationNotifier struct {
	backendBaseURL string
	httpClient     *http.Client
	logs           *InstallationLogStore
}

// NewInstallationNotifier constructs a notifier recording outcomes in the
// supplied log store.
func NewInstallationNotifier(backendBaseURL string, timeout time.Duration, logs *InstallationLogStore) *InstallationNotifier {
	if timeout <= 0 {
		timeout = DefaultOutboundTimeout
	}
	if logs == nil {
		logs = NewInstallationLogStore(DefaultInstallationLogCapacity)
	}
	return &InstallationNotifier{
		backendBaseURL: NormalizeBaseURL(backendBaseURL),
		httpClient:     &http.Client{Timeout: timeout},
		logs:           logs,
	}
}

// NotifyInstalled issues GET {backend}/auth?shop={shop} with the new access
// token. All errors are captured in the outcome and the log ring; nothing is
// rethrown, so the surrounding auth flow can never be failed by this call.
func (notifier *InstallationNotifier) NotifyInstalled(ctx context.Context, shop string, accessToken string) InstallationOutcome {
	authURL := notifier.backendBaseURL + "/auth?shop=" + url.QueryEscape(shop)
	outcome := InstallationOutcome{Shop: shop, AuthURL: authURL}

	if shop == "" || accessToken == "" {
		outcome.Status = InstallationStatusError
		outcome.Message = "missing shop or access token"
		notifier.record(outcome)
		return outcome
	}

	request, buildErr := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if buildErr != nil {
		outcome.Status = InstallationStatusError
		outcome.Message = fmt.Sprintf("failed to build request: %v", buildErr)
		notifier.record(outcome)
		return outcome
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("X-Shopify-Shop-Domain", shop)

	response, fetchErr := notifier.httpClient.Do(request)
	if fetchErr != nil {
		outcome.Status = InstallationStatusError
		outcome.Message = fmt.Sprintf("failed to send GET: %v", fetchErr)
		notifier.record(outcome)
		return outcome
	}
	defer func() { _ = response.Body.Close() }()

	responseBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		responseBody = nil
	}
	outcome.BackendResponse = Truncate(string(responseBody), 200)

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		outcome.Status = InstallationStatusSuccess
		outcome.Message = "successfully sent GET to backend"
	} else {
		outcome.Status = InstallationStatusError
		outcome.Message = fmt.Sprintf("backend returned status %d", response.StatusCode)
	}
	notifier.record(outcome)
	return outcome
}

func (notifier *InstallationNotifier) record(outcome InstallationOutcome) {
	if outcome.Succeeded() {
		activeMetrics().Increment(MetricInstallNotified)
	} else {
		activeMetrics().Increment(MetricInstallFailed)
	}
	notifier.logs.Append(outcome.Shop, InstallationLog{
		AuthURL:         outcome.AuthURL,
		Status:          outcome.Status,
		Message:         outcome.Message,
		BackendResponse: outcome.BackendResponse,
	})
}
