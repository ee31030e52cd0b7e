// Package memory provides the built-in memory tools: durable note save,
// read, and full-text search over the memory store.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/memstore"
)

const (
	SearchToolName = "memory_search"
	SaveToolName   = "memory_save"
	ReadToolName   = "memory_read"

	noMatchesResult = "no matches"

	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

type searchArgs struct {
	Query  string `json:"query" jsonschema:"description=Full-text query over saved notes"`
	Prefix string `json:"prefix,omitempty" jsonschema:"description=Restrict results to note keys with this prefix"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of matches to return"`
}

type saveArgs struct {
	Key     string `json:"key" jsonschema:"description=Note key, a stable identifier chosen by the caller"`
	Content string `json:"content" jsonschema:"description=Note content to store"`
}

type readArgs struct {
	Key string `json:"key" jsonschema:"description=Key of the note to read"`
}

func reflectSchema(v any) (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	return json.Marshal(r.Reflect(v))
}

// Register adds the memory tools to a registry. The search tool degrades
// to "no matches" when the store lacks the search capability rather than
// failing registration.
func Register(registry *agent.Registry, store memstore.Store) error {
	searcher, _ := store.(memstore.Searcher)

	searchSchema, err := reflectSchema(&searchArgs{})
	if err != nil {
		return fmt.Errorf("memory: search schema: %w", err)
	}
	saveSchema, err := reflectSchema(&saveArgs{})
	if err != nil {
		return fmt.Errorf("memory: save schema: %w", err)
	}
	readSchema, err := reflectSchema(&readArgs{})
	if err != nil {
		return fmt.Errorf("memory: read schema: %w", err)
	}

	registrations := []*agent.ToolRegistration{
		{
			Name:            SearchToolName,
			Description:     "Search saved notes by content. Returns matching note keys with snippets.",
			ParameterSchema: searchSchema,
			Optional:        true,
			Executor: func(ctx context.Context, raw json.RawMessage) (string, error) {
				return runSearch(ctx, searcher, raw)
			},
		},
		{
			Name:            SaveToolName,
			Description:     "Save a note under a key for later recall. Overwrites any existing note with the same key.",
			ParameterSchema: saveSchema,
			Optional:        true,
			Executor: func(ctx context.Context, raw json.RawMessage) (string, error) {
				return runSave(ctx, store, raw)
			},
		},
		{
			Name:            ReadToolName,
			Description:     "Read the full content of a note by key.",
			ParameterSchema: readSchema,
			Optional:        true,
			Executor: func(ctx context.Context, raw json.RawMessage) (string, error) {
				return runRead(ctx, store, raw)
			},
		},
	}

	for _, reg := range registrations {
		if err := registry.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

func runSearch(ctx context.Context, searcher memstore.Searcher, raw json.RawMessage) (string, error) {
	var args searchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid search arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", errors.New("query is required")
	}
	if searcher == nil {
		return noMatchesResult, nil
	}

	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	matches, err := searcher.SearchNotes(ctx, args.Query, args.Prefix, limit)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	if len(matches) == 0 {
		return noMatchesResult, nil
	}

	var b strings.Builder
	for _, match := range matches {
		fmt.Fprintf(&b, "%s: %s\n", match.Key, match.Snippet)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func runSave(ctx context.Context, store memstore.Store, raw json.RawMessage) (string, error) {
	var args saveArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid save arguments: %w", err)
	}
	if strings.TrimSpace(args.Key) == "" {
		return "", errors.New("key is required")
	}
	if err := store.SaveNote(ctx, args.Key, args.Content); err != nil {
		if errors.Is(err, memstore.ErrInvalidKey) {
			return "", fmt.Errorf("invalid note key %q", args.Key)
		}
		return "", fmt.Errorf("save failed: %w", err)
	}
	return fmt.Sprintf("saved note %q", args.Key), nil
}

func runRead(ctx context.Context, store memstore.Store, raw json.RawMessage) (string, error) {
	var args readArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid read arguments: %w", err)
	}
	if strings.TrimSpace(args.Key) == "" {
		return "", errors.New("key is required")
	}
	note, err := store.LoadNote(ctx, args.Key)
	if err != nil {
		if errors.Is(err, memstore.ErrNotFound) {
			return fmt.Sprintf("no note with key %q", args.Key), nil
		}
		return "", fmt.Errorf("read failed: %w", err)
	}
	return note.Content, nil
}
