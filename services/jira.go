package services

import (
	v2 "github.com/ctreminiom/go-atlassian/jira/v2"
	"github.com/pkg/errors"
)

// NewJiraClient returns a Jira v2 client using basic auth with an API token.
func NewJiraClient(host, username, token string) (*v2.Client, error) {
	if host == "" {
		return nil, errors.New("jira host is required")
	}
	client, err := v2.New(nil, host)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create jira client")
	}
	client.Auth.SetBasicAuth(username, token)
	return client, nil
}
