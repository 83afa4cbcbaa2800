// Package agentloop implements the research agent's decision cycle.
//
// Each cycle builds a prompt from a fixed preamble, a digest retrieved from
// the research log, the most recent cycles and the last human feedback. The
// model must answer in a fixed labeled format (Reflection, Research Plan and
// Status, Fact Check, Thought, Questions, Action, Action Input); malformed
// answers are retried with a correction appended to the prompt. The chosen
// action runs through the environment, long observations are summarized,
// and the cycle stops at a Checkpoint.
//
// The caller drives the loop with Advance, passing the feedback for the
// previous checkpoint:
//
//	agent, err := agentloop.New(env, llm, agentloop.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer agent.Close()
//
//	feedback := ""
//	for {
//	    cp, err := agent.Advance(ctx, feedback)
//	    if errors.Is(err, agentloop.ErrFinished) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    feedback = ask(cp)
//	}
//	result := agent.Result()
package agentloop
