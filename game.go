/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	GameWaiting   = "waiting"
	GamePlaying   = "playing"
	GameFinished  = "finished"
	GameDraw      = "draw"
	GameAbandoned = "abandoned"

	SymbolX = "X"
	SymbolO = "O"

	ratingWin     = 25
	ratingLoss    = 15
	ratingFloor   = 100
	defaultRating = 1000
)

type GamePlayer struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Symbol      string `json:"symbol"`
}

// Move is immutable once appended. Sequence numbers increase strictly
// per game and support idempotent replay and audit.
type Move struct {
	PlayerID  string    `json:"playerId"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

type GameState struct {
	ID            string
	RoomID        string
	Board         [3][3]string
	Player1       GamePlayer
	Player2       GamePlayer
	CurrentPlayer string // player id
	Status        string
	Winner        string // player id, empty unless finished
	Moves         []Move
	CreatedAt     time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
}

// playerBySymbol returns the game player owning a symbol.
func (g *GameState) playerBySymbol(symbol string) GamePlayer {
	if g.Player1.Symbol == symbol {
		return g.Player1
	}
	return g.Player2
}

func (g *GameState) hasPlayer(playerID string) bool {
	return g.Player1.ID == playerID || g.Player2.ID == playerID
}

// clone produces a copy safe to mutate while readers hold the prior
// snapshot. The board is an array and copies by value; the move history
// is the only shared slice.
func (g *GameState) clone() *GameState {
	next := *g
	next.Moves = slices.Clone(g.Moves)
	return &next
}

// The 8 fixed winning triples: 3 rows, 3 columns, 2 diagonals.
var winningTriples = [8][3][2]int{
	{{0, 0}, {1, 0}, {2, 0}},
	{{0, 1}, {1, 1}, {2, 1}},
	{{0, 2}, {1, 2}, {2, 2}},
	{{0, 0}, {0, 1}, {0, 2}},
	{{1, 0}, {1, 1}, {1, 2}},
	{{2, 0}, {2, 1}, {2, 2}},
	{{0, 0}, {1, 1}, {2, 2}},
	{{2, 0}, {1, 1}, {0, 2}},
}

// checkWinner scans the fixed triples and returns the winning symbol.
// The first matching triple wins; evaluation order only short-circuits.
func checkWinner(board [3][3]string) (string, bool) {
	for _, triple := range winningTriples {
		a := board[triple[0][0]][triple[0][1]]
		b := board[triple[1][0]][triple[1][1]]
		c := board[triple[2][0]][triple[2][1]]

		if a != "" && a == b && b == c {
			return a, true
		}
	}

	return "", false
}

func boardFull(board [3][3]string) bool {
	for x := range board {
		for y := range board[x] {
			if board[x][y] == "" {
				return false
			}
		}
	}
	return true
}

// validateMove checks a proposed move against a state snapshot without
// mutating anything.
func validateMove(g *GameState, playerID string, x, y int) error {
	if g == nil || g.Status != GamePlaying {
		return ErrGameNotActive
	}
	if x < 0 || x > 2 || y < 0 || y > 2 {
		return ErrInvalidCoordinates
	}
	if playerID != g.CurrentPlayer {
		return ErrNotYourTurn
	}
	if g.Board[x][y] != "" {
		return ErrCellOccupied
	}
	return nil
}

// GameEngine owns the authoritative game states, one per playing room.
// Published snapshots are immutable; moves are applied to a copy which
// replaces the published state atomically under the engine lock.
type GameEngine struct {
	mu    sync.RWMutex
	games map[string]*GameState // roomID -> published snapshot

	cfg       *Config
	persister *Persister
}

func newGameEngine(cfg *Config, persister *Persister) *GameEngine {
	return &GameEngine{
		games:     make(map[string]*GameState),
		cfg:       cfg,
		persister: persister,
	}
}

// StartGame creates the authoritative state for a room that has reached
// exactly two members. Symbols are assigned deterministically: the
// first joiner plays X and moves first.
func (e *GameEngine) StartGame(roomID string, players []GamePlayer) (*GameState, error) {
	if len(players) != 2 {
		return nil, fmt.Errorf("game requires exactly 2 players, got %d", len(players))
	}

	now := time.Now()

	p1, p2 := players[0], players[1]
	p1.Symbol = SymbolX
	p2.Symbol = SymbolO

	state := &GameState{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		Player1:       p1,
		Player2:       p2,
		CurrentPlayer: p1.ID,
		Status:        GamePlaying,
		CreatedAt:     now,
		StartedAt:     now,
	}

	e.mu.Lock()
	e.games[roomID] = state
	e.mu.Unlock()

	logf(e.cfg, "GAMES: Started game %s in room %s (%s vs %s)", state.ID, roomID, p1.DisplayName, p2.DisplayName)

	e.persister.GameSnapshot(state)

	return state, nil
}

// Snapshot returns the published state for a room, if any. Finished
// games remain queryable for a grace window before eviction.
func (e *GameEngine) Snapshot(roomID string) (*GameState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state, ok := e.games[roomID]
	return state, ok
}

// ApplyMove validates and applies a move, publishing a new snapshot.
// A rejected move leaves the published state untouched.
func (e *GameEngine) ApplyMove(roomID, playerID string, x, y int) (*GameState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.games[roomID]
	if !ok {
		return nil, ErrGameNotActive
	}

	if err := validateMove(current, playerID, x, y); err != nil {
		return nil, err
	}

	next := current.clone()

	player := next.Player1
	if next.Player2.ID == playerID {
		player = next.Player2
	}

	next.Board[x][y] = player.Symbol
	next.Moves = append(next.Moves, Move{
		PlayerID:  playerID,
		X:         x,
		Y:         y,
		Sequence:  len(next.Moves) + 1,
		Timestamp: time.Now(),
	})

	if symbol, won := checkWinner(next.Board); won {
		next.Status = GameFinished
		next.Winner = next.playerBySymbol(symbol).ID
		next.FinishedAt = time.Now()
	} else if boardFull(next.Board) {
		next.Status = GameDraw
		next.FinishedAt = time.Now()
	} else if next.CurrentPlayer == next.Player1.ID {
		next.CurrentPlayer = next.Player2.ID
	} else {
		next.CurrentPlayer = next.Player1.ID
	}

	e.games[roomID] = next

	if next.Status != GamePlaying {
		e.handleGameEnd(next)
	}

	e.persister.GameSnapshot(next)

	return next, nil
}

// Abandon terminates a room's game without a result, typically when a
// player disconnects mid-game.
func (e *GameEngine) Abandon(roomID string) (*GameState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.games[roomID]
	if !ok || current.Status != GamePlaying {
		return nil, false
	}

	next := current.clone()
	next.Status = GameAbandoned
	next.FinishedAt = time.Now()
	e.games[roomID] = next

	logf(e.cfg, "GAMES: Abandoned game %s in room %s", next.ID, roomID)

	e.persister.GameSnapshot(next)

	return next, true
}

// Forget drops a room's game state immediately, used when the owning
// room is deleted.
func (e *GameEngine) Forget(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.games, roomID)
}

// handleGameEnd records final stats and queues the cumulative player
// record updates. Caller holds the engine lock.
func (e *GameEngine) handleGameEnd(state *GameState) {
	duration := state.FinishedAt.Sub(state.StartedAt)

	moveCounts := make(map[string]int, 2)
	for _, m := range state.Moves {
		moveCounts[m.PlayerID]++
	}

	logf(e.cfg, "GAMES: Game %s in room %s ended (%s) after %s and %d moves",
		state.ID, state.RoomID, state.Status, duration.Round(time.Millisecond), len(state.Moves))

	result := GameResult{
		GameID:     state.ID,
		RoomID:     state.RoomID,
		Player1ID:  state.Player1.ID,
		Player2ID:  state.Player2.ID,
		WinnerID:   state.Winner,
		Draw:       state.Status == GameDraw,
		Duration:   duration,
		MoveCounts: moveCounts,
	}

	e.persister.GameResult(result)
}

// sweepFinished evicts terminal games older than the retention window
// so late queries are served for a short grace period only.
func (e *GameEngine) sweepFinished(now time.Time) int {
	cutoff := now.Add(-e.cfg.finishedTTL)
	evicted := 0

	e.mu.Lock()
	defer e.mu.Unlock()

	for roomID, state := range e.games {
		if state.Status == GamePlaying || state.Status == GameWaiting {
			continue
		}
		if state.FinishedAt.Before(cutoff) {
			delete(e.games, roomID)
			evicted++
		}
	}

	return evicted
}

func (e *GameEngine) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if evicted := e.sweepFinished(now); evicted > 0 {
				logf(e.cfg, "SWEEP: Evicted %d finished games", evicted)
			}
		}
	}
}
