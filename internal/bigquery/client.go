// Package bigquery is the streaming-insert sink backend.
package bigquery

import (
	"context"
	"fmt"
	"strings"

	bq "cloud.google.com/go/bigquery"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

var log = logrus.WithField("component", "bigquery")

// Client wraps a BigQuery client bound to one default project.
type Client struct {
	bq      *bq.Client
	project string
}

func NewClient(ctx context.Context, project string, opts ...option.ClientOption) (*Client, error) {
	if strings.TrimSpace(project) == "" {
		return nil, fmt.Errorf("bigquery: project is required")
	}
	c, err := bq.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery: new client: %w", err)
	}
	return &Client{bq: c, project: project}, nil
}

func (c *Client) Close() error { return c.bq.Close() }

// TableRef names a table as project, dataset and table id.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

func (r TableRef) String() string {
	return r.Project + ":" + r.Dataset + "." + r.Table
}

// ParseTableSpec accepts "project:dataset.table", "project.dataset.table" or
// "dataset.table" (using defaultProject).
func ParseTableSpec(spec, defaultProject string) (TableRef, error) {
	spec = strings.TrimSpace(spec)
	var ref TableRef
	if i := strings.Index(spec, ":"); i >= 0 {
		ref.Project = spec[:i]
		spec = spec[i+1:]
	}
	parts := strings.Split(spec, ".")
	switch {
	case len(parts) == 3 && ref.Project == "":
		ref.Project, ref.Dataset, ref.Table = parts[0], parts[1], parts[2]
	case len(parts) == 2:
		ref.Dataset, ref.Table = parts[0], parts[1]
	default:
		return TableRef{}, fmt.Errorf("bigquery: invalid table spec %q (want [project:]dataset.table)", spec)
	}
	if ref.Project == "" {
		ref.Project = defaultProject
	}
	if ref.Project == "" || ref.Dataset == "" || ref.Table == "" {
		return TableRef{}, fmt.Errorf("bigquery: incomplete table spec %q", spec)
	}
	return ref, nil
}

// DeadLetterTableName derives the dead-letter table spec for a destination
// spec by suffixing the table id.
func DeadLetterTableName(spec, suffix string) string {
	return spec + suffix
}

func (c *Client) table(ref TableRef) *bq.Table {
	return c.bq.DatasetInProject(ref.Project, ref.Dataset).Table(ref.Table)
}
