package service

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// ConditionEnv is the evaluation environment of a node condition. Expressions
// see three variables: `instance`, `object` and `actor`.
//
//	object.amount > 10000 && instance.workflow_code == "CONTRACT"
type ConditionEnv struct {
	Instance map[string]any
	Object   map[string]any
	Actor    string
}

func (e ConditionEnv) vars() map[string]any {
	return map[string]any{
		"instance": e.Instance,
		"object":   e.Object,
		"actor":    e.Actor,
	}
}

// NewConditionEnv builds the environment for inst. obj may be nil.
func NewConditionEnv(inst *repository.ApprovalInstance, obj *repository.BusinessObject, actor string) ConditionEnv {
	env := ConditionEnv{
		Instance: map[string]any{
			"id":              inst.ID,
			"instance_number": inst.InstanceNumber,
			"workflow_code":   inst.WorkflowCode,
			"applicant":       inst.Applicant,
			"apply_comment":   inst.ApplyComment,
			"apply_time":      inst.ApplyTime,
			"status":          string(inst.Status),
			"content_type":    inst.Object.ContentType,
			"object_id":       inst.Object.ObjectID,
		},
		Object: map[string]any{},
		Actor:  actor,
	}
	if obj != nil {
		for k, v := range obj.Fields {
			env.Object[k] = v
		}
		env.Object["status"] = obj.Status
		env.Object["summary"] = obj.Summary
	}
	return env
}

// Conditions compiles and caches node condition expressions.
type Conditions struct {
	cache sync.Map // string -> *vm.Program
}

// NewConditions creates an empty cache.
func NewConditions() *Conditions {
	return &Conditions{}
}

// Compile parses an expression. Syntax errors are reported; unknown
// variables are resolved at evaluation time.
func (c *Conditions) Compile(code string) (*vm.Program, error) {
	if p, ok := c.cache.Load(code); ok {
		return p.(*vm.Program), nil
	}
	program, err := expr.Compile(code, expr.AsBool())
	if err != nil {
		return nil, err
	}
	c.cache.Store(code, program)
	return program, nil
}

// Eval runs an expression against env. Any failure, including a non-boolean
// result, is returned as an error; callers treat it as false.
func (c *Conditions) Eval(code string, env ConditionEnv) (bool, error) {
	program, err := c.Compile(code)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env.vars())
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, not bool", out)
	}
	return b, nil
}
