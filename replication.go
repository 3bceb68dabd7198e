// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package couchstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/go-kivik/couchstream/chttp"
	internal "github.com/go-kivik/couchstream/int/errors"
)

const replicatorDB = "_replicator"

// ReplicationState is the scheduler state of a replication.
type ReplicationState string

// Replication states reported by the scheduler.
const (
	ReplicationInitializing ReplicationState = "initializing"
	ReplicationRunning      ReplicationState = "running"
	ReplicationPending      ReplicationState = "pending"
	ReplicationCrashing     ReplicationState = "crashing"
	ReplicationCompleted    ReplicationState = "completed"
	ReplicationFailed       ReplicationState = "failed"
	ReplicationError        ReplicationState = "error"
)

// Endpoint is the source or target of a replication. Credentials are passed
// to the server as basic auth; they are never interpreted by the client.
type Endpoint struct {
	URL      string `validate:"required,url"`
	Username string `validate:"required_with=Password"`
	Password string
}

// MarshalJSON encodes e in the form the replicator expects.
func (e Endpoint) MarshalJSON() ([]byte, error) {
	type basic struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	type auth struct {
		Basic basic `json:"basic"`
	}
	v := struct {
		URL  string `json:"url"`
		Auth *auth  `json:"auth,omitempty"`
	}{URL: e.URL}
	if e.Username != "" {
		v.Auth = &auth{Basic: basic{Username: e.Username, Password: e.Password}}
	}
	return json.Marshal(v)
}

// ReplicationDescriptor describes a replication job.
type ReplicationDescriptor struct {
	// ID is the id of the job document. A random UUID is used if empty.
	ID           string
	Source       Endpoint `validate:"required"`
	Target       Endpoint `validate:"required"`
	Continuous   bool
	CreateTarget bool
}

// Validate checks that d describes a valid replication.
func (d ReplicationDescriptor) Validate() error {
	if err := structValidator().Struct(d); err != nil {
		return &internal.Error{Status: http.StatusBadRequest, Message: "couchstream: invalid replication", Err: err}
	}
	return nil
}

type replicationDoc struct {
	ID           string   `json:"_id"`
	Source       Endpoint `json:"source"`
	Target       Endpoint `json:"target"`
	Continuous   bool     `json:"continuous,omitempty"`
	CreateTarget bool     `json:"create_target,omitempty"`
}

// Replicate starts the replication described by d by writing a job document
// to the _replicator database. It returns the id of the job document.
func (c *Client) Replicate(ctx context.Context, d ReplicationDescriptor, options ...Option) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	doc := replicationDoc{
		ID:           d.ID,
		Source:       d.Source,
		Target:       d.Target,
		Continuous:   d.Continuous,
		CreateTarget: d.CreateTarget,
	}
	query := url.Values{}
	multiOptions(options).Apply(&query)
	opts := &chttp.Options{
		GetBody: chttp.BodyEncoder(doc),
		Query:   query,
	}
	var result writeResult
	err := c.chttp.DoJSON(ctx, http.MethodPut, dbPath(replicatorDB)+"/"+chttp.EncodeDocID(d.ID), opts, &result)
	if err != nil {
		return "", rejection(err)
	}
	return d.ID, nil
}

// ReplicationStatus is the scheduler's view of a replication job document.
type ReplicationStatus struct {
	ID          string           `json:"doc_id"`
	JobID       string           `json:"id"`
	Database    string           `json:"database"`
	Node        string           `json:"node"`
	Source      string           `json:"source"`
	Target      string           `json:"target"`
	State       ReplicationState `json:"state"`
	Info        json.RawMessage  `json:"info"`
	ErrorCount  int              `json:"error_count"`
	StartTime   time.Time        `json:"start_time"`
	LastUpdated time.Time        `json:"last_updated"`
}

// ReplicationStatus returns the status of the replication job document id.
func (c *Client) ReplicationStatus(ctx context.Context, id string) (*ReplicationStatus, error) {
	if id == "" {
		return nil, missingArg("id")
	}
	status := &ReplicationStatus{}
	path := "/_scheduler/docs/" + replicatorDB + "/" + chttp.EncodeDocID(id)
	if err := c.chttp.DoJSON(ctx, http.MethodGet, path, nil, status); err != nil {
		return nil, rejection(err)
	}
	return status, nil
}

// ReplicationEvent is one entry of a job's history.
type ReplicationEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason,omitempty"`
}

// ReplicationJob is a replication currently known to the scheduler.
type ReplicationJob struct {
	ID        string             `json:"id"`
	DocID     string             `json:"doc_id"`
	Database  string             `json:"database"`
	Source    string             `json:"source"`
	Target    string             `json:"target"`
	User      string             `json:"user"`
	Node      string             `json:"node"`
	StartTime time.Time          `json:"start_time"`
	History   []ReplicationEvent `json:"history"`
}

// ReplicationJobs lists the replication jobs running on the server.
func (c *Client) ReplicationJobs(ctx context.Context) ([]ReplicationJob, error) {
	var result struct {
		Jobs []ReplicationJob `json:"jobs"`
	}
	if err := c.chttp.DoJSON(ctx, http.MethodGet, "/_scheduler/jobs", nil, &result); err != nil {
		return nil, rejection(err)
	}
	return result.Jobs, nil
}

// CancelReplication stops a replication by deleting its job document.
func (c *Client) CancelReplication(ctx context.Context, id string) error {
	if id == "" {
		return missingArg("id")
	}
	path := dbPath(replicatorDB) + "/" + chttp.EncodeDocID(id)
	var doc struct {
		Rev string `json:"_rev"`
	}
	if err := c.chttp.DoJSON(ctx, http.MethodGet, path, nil, &doc); err != nil {
		return rejection(err)
	}
	query := url.Values{"rev": []string{doc.Rev}}
	var result writeResult
	if err := c.chttp.DoJSON(ctx, http.MethodDelete, path, &chttp.Options{Query: query}, &result); err != nil {
		return rejection(err)
	}
	return nil
}
