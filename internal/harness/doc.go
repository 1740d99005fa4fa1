// Package harness replays multi-client puzzle sessions from YAML scenarios.
//
// A scenario names a grid and a list of steps, each performed by one
// player's engine against a shared in-memory store. After every step the
// harness waits until every live replica has caught up with the store,
// checks the session invariants, and appends a trace event. Assertions are
// evaluated against the final state, and the trace plus final state can be
// compared with a golden file.
//
// # Scenario Format
//
//	name: completion_single_winner
//	description: "Two players finish a 3x2 puzzle"
//	grid: { cols: 3, rows: 2 }
//	steps:
//	  - { player: alice, do: create, name: Alice, image: "img://cat" }
//	  - { player: bob, do: join, name: Bob }
//	  - { player: alice, do: start }
//	  - { player: bob, do: place, piece: p_0_0 }
//	  - { player: alice, do: solve }
//	  - { player: bob, do: pause, expect_error: not_playing }
//	assertions:
//	  - { type: status, status: completed }
//	  - { type: winner, player: alice }
//
// # Steps
//
//   - create, join: enter the session (name, image)
//   - start, pause, resume, reset: lifecycle operations
//   - move: drop piece at (x, y) with rotation
//   - place: drop piece exactly on its target
//   - solve: place the first count unplaced pieces by ID, all when count is 0
//   - tick: one heartbeat and timer write
//   - advance: move the shared clock forward by seconds
//   - leave: leave gracefully
//   - close: drop off the network without leaving
//   - drop: end every store subscription with a connectivity loss
//
// # Determinism
//
// All engines share a manual clock that only moves on advance steps, and
// sequential IDs, so the first session is always s-1. With seed 0 pieces
// are scrambled by a fixed cyclic permutation that leaves no piece on its
// target; any other seed scrambles with PCG.
//
// # Usage
//
//	sc, err := harness.LoadScenario("testdata/scenarios/completion.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, sc)
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        log.Println(e)
//	    }
//	}
package harness
