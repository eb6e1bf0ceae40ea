package autonomous

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/agent/structured"
)

const evaluatePrompt = `You track progress toward a goal for an autonomous agent.

Given the goal and the most recent observations, report:
- goalAchieved: true only when the goal is fully satisfied
- progressPercentage: overall progress from 0 to 100
- blockers: problems preventing progress, empty when none
- recommendations: what to try next
- shouldContinue: false when further work will not help`

const planPrompt = `You choose the single next action for an autonomous agent.

The action must be concrete and achievable in one step with the
available tools. Describe why it moves the goal forward and what a
successful result looks like.`

func evaluationSchema() *structured.JSONSchema {
	list := structured.NewArraySchema(structured.NewStringSchema())
	return structured.NewObjectSchema().
		AddProperty("goalAchieved", structured.NewBooleanSchema()).
		AddProperty("progressPercentage", structured.NewIntegerSchema().WithRange(0, 100)).
		AddProperty("blockers", list).
		AddProperty("recommendations", list).
		AddProperty("shouldContinue", structured.NewBooleanSchema()).
		AddRequired("goalAchieved", "progressPercentage", "shouldContinue")
}

func actionSchema() *structured.JSONSchema {
	return structured.NewObjectSchema().
		AddProperty("action", structured.NewStringSchema().WithMinLength(1)).
		AddProperty("rationale", structured.NewStringSchema()).
		AddProperty("expectedOutcome", structured.NewStringSchema()).
		AddRequired("action")
}

// evaluate 评估目标进度。模型失败时返回继续执行的保守结果，只有 ctx 结束时返回 error。
func (c *Controller) evaluate(ctx context.Context, sess *persistence.AutonomousSession) (persistence.Evaluation, error) {
	observations, err := c.store.ListObservations(ctx, sess.ID, c.config.ObservationWindow)
	if err != nil {
		c.logger.Warn("failed to load observations", zap.String("session_id", sess.ID), zap.Error(err))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal:\n%s\n\n", sess.Goal)
	fmt.Fprintf(&b, "Iterations completed: %d of %d\n", sess.CurrentIteration, c.maxIterations(sess))
	fmt.Fprintf(&b, "Last reported progress: %d%%\n\n", sess.Progress)
	writeObservations(&b, observations)

	res, err := structured.Generate[persistence.Evaluation](ctx, c.completer, structured.Request{
		Model:        c.config.Model,
		SystemPrompt: evaluatePrompt,
		Prompt:       b.String(),
		Schema:       evaluationSchema(),
		MaxTokens:    c.config.MaxTokens,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return persistence.Evaluation{}, ctxErr
		}
		c.logger.Warn("evaluation failed, continuing with previous progress",
			zap.String("session_id", sess.ID), zap.Error(err))
		return persistence.Evaluation{
			ProgressPercentage: sess.Progress,
			ShouldContinue:     true,
			Fallback:           true,
		}, nil
	}
	eval := *res.Value
	eval.ProgressPercentage = clampProgress(eval.ProgressPercentage)
	eval.Fallback = false
	return eval, nil
}

// plan 选择下一步行动。模型失败时直接以目标作为行动。
func (c *Controller) plan(ctx context.Context, sess *persistence.AutonomousSession, eval persistence.Evaluation) (persistence.Action, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal:\n%s\n\n", sess.Goal)
	fmt.Fprintf(&b, "Progress: %d%%\n", eval.ProgressPercentage)
	if len(eval.Blockers) > 0 {
		b.WriteString("\nBlockers:\n")
		for _, s := range eval.Blockers {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(eval.Recommendations) > 0 {
		b.WriteString("\nRecommendations:\n")
		for _, s := range eval.Recommendations {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	res, err := structured.Generate[persistence.Action](ctx, c.completer, structured.Request{
		Model:        c.config.Model,
		SystemPrompt: planPrompt,
		Prompt:       b.String(),
		Schema:       actionSchema(),
		MaxTokens:    c.config.MaxTokens,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return persistence.Action{}, ctxErr
		}
		c.logger.Warn("planning failed, acting on the goal directly",
			zap.String("session_id", sess.ID), zap.Error(err))
		return persistence.Action{
			Action:    sess.Goal,
			Rationale: "planner unavailable",
			Fallback:  true,
		}, nil
	}
	action := *res.Value
	action.Fallback = false
	return action, nil
}

func writeObservations(b *strings.Builder, observations []*persistence.Observation) {
	if len(observations) == 0 {
		b.WriteString("No observations yet.\n")
		return
	}
	b.WriteString("Recent observations:\n")
	for _, o := range observations {
		fmt.Fprintf(b, "[iteration %d, %s] %s\n", o.Iteration, o.Type, o.Content)
	}
}

func describeEvaluation(e persistence.Evaluation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "progress %d%%, goal achieved: %t, continue: %t", e.ProgressPercentage, e.GoalAchieved, e.ShouldContinue)
	if e.Fallback {
		b.WriteString(" (fallback)")
	}
	if len(e.Blockers) > 0 {
		b.WriteString("; blockers: ")
		b.WriteString(strings.Join(e.Blockers, "; "))
	}
	return b.String()
}
