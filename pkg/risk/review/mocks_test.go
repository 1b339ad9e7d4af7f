package review

import (
	"context"
	"sync"

	"github.com/ctreminiom/go-atlassian/pkg/infra/models"
)

type MockIssueCreator struct {
	mutex    sync.Mutex
	Payloads []*models.IssueSchemeV2
	Err      error
}

func (m *MockIssueCreator) Create(ctx context.Context, payload *models.IssueSchemeV2, customFields *models.CustomFields) (*models.IssueResponseScheme, *models.ResponseScheme, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.Err != nil {
		return nil, nil, m.Err
	}
	m.Payloads = append(m.Payloads, payload)
	return &models.IssueResponseScheme{Key: "RISK-1", ID: "10001"}, &models.ResponseScheme{}, nil
}
