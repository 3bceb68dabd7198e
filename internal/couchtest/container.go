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

package couchtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultImage is the CouchDB image started by StartCouchDB, unless
// overridden by the COUCHDB_IMAGE environment variable.
const DefaultImage = "couchdb:3.3"

// StartCouchDB starts a real CouchDB server in a container and returns its
// DSN, including admin credentials. The test is skipped unless USETC is set.
func StartCouchDB(t *testing.T) string {
	t.Helper()
	if os.Getenv("USETC") == "" {
		t.Skip("USETC not set, skipping testcontainers")
	}
	image := os.Getenv("COUCHDB_IMAGE")
	if image == "" {
		image = DefaultImage
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"5984/tcp"},
			WaitingFor:   wait.ForHTTP("/_up").WithPort("5984/tcp").WithStartupTimeout(120 * time.Second),
			Env: map[string]string{
				"COUCHDB_USER":     "admin",
				"COUCHDB_PASSWORD": "abc123",
			},
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "5984/tcp")
	if err != nil {
		t.Fatal(err)
	}
	dsn := fmt.Sprintf("http://admin:abc123@%s:%s", host, port.Port())
	for _, db := range []string{"_replicator", "_users"} {
		put(t, dsn+"/"+db, nil)
	}
	return dsn
}

func put(t *testing.T, path string, body io.Reader) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, path, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() // nolint:errcheck
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusPreconditionFailed:
		return
	}
	t.Fatalf("Failed to create %s: %s", path, resp.Status)
}
