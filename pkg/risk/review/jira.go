package review

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ctreminiom/go-atlassian/pkg/infra/models"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// IssueCreator is satisfied by the Issue service of a go-atlassian Jira v2 client.
type IssueCreator interface {
	Create(ctx context.Context, payload *models.IssueSchemeV2, customFields *models.CustomFields) (*models.IssueResponseScheme, *models.ResponseScheme, error)
}

// JiraSink files each new case as a Jira issue.
type JiraSink struct {
	issues     IssueCreator
	projectKey string
	issueType  string
	filed      mapset.Set[string]
	mutex      sync.Mutex
	logger     *logrus.Logger
}

func NewJiraSink(issues IssueCreator, projectKey, issueType string, logger *logrus.Logger) *JiraSink {
	if issueType == "" {
		issueType = "Task"
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &JiraSink{
		issues:     issues,
		projectKey: projectKey,
		issueType:  issueType,
		filed:      mapset.NewSet[string](),
		logger:     logger,
	}
}

func (s *JiraSink) Submit(ctx context.Context, c Case) error {
	// held across the call so concurrent submissions of one case file one issue
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.filed.Contains(c.ID) {
		return nil
	}

	payload := &models.IssueSchemeV2{
		Fields: &models.IssueFieldsSchemeV2{
			Summary:     fmt.Sprintf("[risk review] %s: %s", strings.ReplaceAll(c.Kind, "_", " "), c.Name),
			Project:     &models.ProjectScheme{Key: s.projectKey},
			Description: describe(c),
			IssueType:   &models.IssueTypeScheme{Name: s.issueType},
			Labels:      []string{"risk-review", c.Kind},
		},
	}

	issue, response, err := s.issues.Create(ctx, payload, nil)
	if err != nil {
		if response != nil && response.Bytes.Len() > 0 {
			return errors.Errorf("failed to create issue: %s (endpoint: %s)", response.Bytes.String(), response.Endpoint)
		}
		return errors.Wrap(err, "failed to create issue")
	}

	s.filed.Add(c.ID)
	s.logger.WithFields(logrus.Fields{
		"case_id": c.ID,
		"issue":   issue.Key,
		"kind":    c.Kind,
	}).Info("Review case filed")
	return nil
}

func describe(c Case) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", c.Reason)
	fmt.Fprintf(&b, "Name: %s\n", c.Name)
	fmt.Fprintf(&b, "Canonical key: %s\n", c.Key)
	fmt.Fprintf(&b, "Registered type: %s (entity %s)\n", c.ExistingType, c.ExistingEntityID)
	fmt.Fprintf(&b, "Incoming type: %s\n", c.IncomingType)
	if c.RecordID != "" {
		fmt.Fprintf(&b, "Record: %s (job %s)\n", c.RecordID, c.JobID)
	}
	fmt.Fprintf(&b, "Case: %s", c.ID)
	return b.String()
}
