package action

import (
	"errors"
	"reflect"
	"testing"
)

func params(m map[string]interface{}) Params {
	return ParamsFromAny(m)
}

func TestValidateUnknownAction(t *testing.T) {
	if _, err := Validate("launch_missiles", Params{}); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("want ErrUnknownAction, got %v", err)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	_, err := Validate(TypeSpawnChild, params(map[string]interface{}{"role": "analyst"}))
	if !errors.Is(err, ErrMissingParam) {
		t.Errorf("want ErrMissingParam, got %v", err)
	}
}

// shell with both command and check_id violates the XOR groups.
func TestValidateShellXOR(t *testing.T) {
	_, err := Validate(TypeShell, params(map[string]interface{}{
		"command":  "echo 1",
		"check_id": "abc",
		"wait":     false,
	}))
	if !errors.Is(err, ErrXORViolation) {
		t.Errorf("want ErrXORViolation, got %v", err)
	}

	// Neither group present is also a violation.
	_, err = Validate(TypeShell, params(map[string]interface{}{"wait": false}))
	if !errors.Is(err, ErrXORViolation) {
		t.Errorf("empty groups: want ErrXORViolation, got %v", err)
	}

	// One group present passes.
	if _, err := Validate(TypeShell, params(map[string]interface{}{
		"command": "echo 1",
		"wait":    false,
	})); err != nil {
		t.Errorf("valid shell rejected: %v", err)
	}
}

func TestValidateCoercions(t *testing.T) {
	tests := []struct {
		name       string
		actionType string
		in         map[string]interface{}
		check      func(t *testing.T, out Params)
	}{
		{
			name:       "string booleans",
			actionType: TypeShell,
			in:         map[string]interface{}{"command": "ls", "wait": "false", "terminate": "true"},
			check: func(t *testing.T, out Params) {
				if out["wait"].Kind != KindBool || out["wait"].B {
					t.Errorf("wait = %+v", out["wait"])
				}
				if !out["terminate"].B {
					t.Errorf("terminate = %+v", out["terminate"])
				}
			},
		},
		{
			name:       "empty map as empty list",
			actionType: TypeLearnSkills,
			in:         map[string]interface{}{"names": map[string]interface{}{}},
			check: func(t *testing.T, out Params) {
				if out["names"].Kind != KindList || len(out["names"].Items) != 0 {
					t.Errorf("names = %+v", out["names"])
				}
			},
		},
		{
			name:       "enum case folding",
			actionType: TypeCallAPI,
			in:         map[string]interface{}{"url": "https://x", "method": "post"},
			check: func(t *testing.T, out Params) {
				if out["method"].S != "POST" {
					t.Errorf("method = %q", out["method"].S)
				}
			},
		},
		{
			name:       "whole float to int",
			actionType: TypeFileRead,
			in:         map[string]interface{}{"path": "/tmp/a", "limit": 100.0},
			check: func(t *testing.T, out Params) {
				if out["limit"].Kind != KindInt || out["limit"].I != 100 {
					t.Errorf("limit = %+v", out["limit"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Validate(tt.actionType, params(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, out)
		})
	}
}

func TestValidateEnumRejectsUnknown(t *testing.T) {
	_, err := Validate(TypeFetchWeb, params(map[string]interface{}{
		"url": "https://x", "format": "yaml",
	}))
	if !errors.Is(err, ErrInvalidParam) {
		t.Errorf("want ErrInvalidParam, got %v", err)
	}
}

// Validated params re-validate unchanged.
func TestValidatorIdempotence(t *testing.T) {
	inputs := []struct {
		actionType string
		in         map[string]interface{}
	}{
		{TypeShell, map[string]interface{}{"command": "ls", "wait": "true", "timeout_ms": 500.0}},
		{TypeTodo, map[string]interface{}{"items": []interface{}{
			map[string]interface{}{"content": "a", "state": "TODO"},
		}}},
		{TypeCallAPI, map[string]interface{}{"url": "https://x", "method": "get", "secrets": map[string]interface{}{}}},
	}

	for _, tt := range inputs {
		first, err := Validate(tt.actionType, params(tt.in))
		if err != nil {
			t.Fatalf("%s: %v", tt.actionType, err)
		}
		second, err := Validate(tt.actionType, first)
		if err != nil {
			t.Fatalf("%s revalidate: %v", tt.actionType, err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("%s: validate not idempotent:\n%+v\n%+v", tt.actionType, first, second)
		}
	}
}

func TestValidateTodoItems(t *testing.T) {
	// Undeclared keys on items are rejected.
	_, err := Validate(TypeTodo, params(map[string]interface{}{
		"items": []interface{}{map[string]interface{}{"content": "a", "owner": "me"}},
	}))
	if !errors.Is(err, ErrInvalidParam) {
		t.Errorf("undeclared key: want ErrInvalidParam, got %v", err)
	}

	// Missing required element key.
	_, err = Validate(TypeTodo, params(map[string]interface{}{
		"items": []interface{}{map[string]interface{}{"state": "todo"}},
	}))
	if !errors.Is(err, ErrMissingParam) {
		t.Errorf("missing content: want ErrMissingParam, got %v", err)
	}
}

func TestValidateBatchRejectsNesting(t *testing.T) {
	_, err := Validate(TypeBatchSync, params(map[string]interface{}{
		"actions": []interface{}{
			map[string]interface{}{"action": "batch_async", "params": map[string]interface{}{"actions": []interface{}{}}},
		},
	}))
	if !errors.Is(err, ErrNestedBatch) {
		t.Errorf("want ErrNestedBatch, got %v", err)
	}
}

func TestValidateBatchValidatesAllBeforeAny(t *testing.T) {
	// Second sub-action invalid: the whole batch fails validation.
	_, err := Validate(TypeBatchSync, params(map[string]interface{}{
		"actions": []interface{}{
			map[string]interface{}{"action": "fetch_web", "params": map[string]interface{}{"url": "https://x"}},
			map[string]interface{}{"action": "fetch_web", "params": map[string]interface{}{}},
		},
	}))
	if !errors.Is(err, ErrMissingParam) {
		t.Errorf("want ErrMissingParam from bulk validation, got %v", err)
	}
}

func TestRegistryComplete(t *testing.T) {
	want := map[string]int{
		TypeSpawnChild: 9, TypeDismissChild: 8, TypeSendMessage: 3, TypeWaitAction: 1,
		TypeOrient: 2, TypeTodo: 2, TypeAdjustBudget: 7, TypeRecordCost: 4,
		TypeShell: 10, TypeFetchWeb: 5, TypeCallAPI: 6, TypeCallMCP: 6,
		TypeFileRead: 5, TypeFileWrite: 7, TypeGenerateSecret: 4, TypeSearchSecrets: 2,
		TypeAnswerEngine: 5, TypeLearnSkills: 3, TypeCreateSkill: 3,
		TypeBatchSync: 11, TypeBatchAsync: 12,
	}
	if len(All()) != len(want) {
		t.Fatalf("registry has %d actions, want %d", len(All()), len(want))
	}
	for typ, priority := range want {
		s := Get(typ)
		if s == nil {
			t.Errorf("missing action %s", typ)
			continue
		}
		if s.Priority != priority {
			t.Errorf("%s priority = %d, want %d", typ, s.Priority, priority)
		}
	}
}

func TestForCapabilities(t *testing.T) {
	core := ForCapabilities([]string{CapCore})
	for _, s := range core {
		if s.Capability != CapCore {
			t.Errorf("leaked %s (%s)", s.Type, s.Capability)
		}
	}
	if len(core) == 0 {
		t.Fatal("no core actions")
	}
}
