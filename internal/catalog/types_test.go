package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestEndpointIdentity(t *testing.T) {
	ep := Endpoint{Method: "GET", Path: "/pets/{petId}"}
	if got := ep.Identity(); got != "GET_/pets/{petId}" {
		t.Fatalf("identity = %q", got)
	}
}

func TestRequiredKeys(t *testing.T) {
	ep := Endpoint{
		Parameters: []Field{
			{Key: "id", Required: true},
			{Key: "verbose", Required: false},
		},
		Body: []Field{
			{Key: "name", Required: true},
			{Key: "note", Required: false},
		},
	}
	params := ep.RequiredParameterKeys()
	if len(params) != 1 || params[0] != "id" {
		t.Fatalf("required params = %v", params)
	}
	body := ep.RequiredBodyKeys()
	if len(body) != 1 || body[0] != "name" {
		t.Fatalf("required body = %v", body)
	}
}

func TestFSManualStore(t *testing.T) {
	dir := t.TempDir()
	store := &FSManualStore{Dir: dir}
	id := uuid.New()
	ctx := context.Background()

	if _, ok, err := store.Manual(ctx, id); err != nil || ok {
		t.Fatalf("missing manual: ok=%v err=%v", ok, err)
	}
	if err := store.PutManual(ctx, id, "always paginate with the cursor param"); err != nil {
		t.Fatalf("put: %v", err)
	}
	text, ok, err := store.Manual(ctx, id)
	if err != nil || !ok {
		t.Fatalf("manual: ok=%v err=%v", ok, err)
	}
	if text != "always paginate with the cursor param" {
		t.Fatalf("text = %q", text)
	}
	if _, err := os.Stat(filepath.Join(dir, id.String()+".md")); err != nil {
		t.Fatalf("manual file not written: %v", err)
	}
}
