package main

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// chairModelSpeedCache maps a chair model name to its movement speed in
// coordinate units per location report. Used to convert distance into an
// ETA for matching.
var chairModelSpeedCache = map[string]int{
	"AeroSeat":        3,
	"Aurora Glow":     7,
	"BalancePro":      3,
	"ComfortBasic":    2,
	"EasySit":         2,
	"ErgoFlex":        3,
	"Infinity Seat":   5,
	"Legacy Chair":    7,
	"LiteLine":        2,
	"LuxeThrone":      5,
	"Phoenix Ultra":   7,
	"ShadowEdition":   7,
	"SitEase":         2,
	"StyleSit":        3,
	"Titanium Line":   5,
	"ZenComfort":      5,
	"アルティマシート X":      5,
	"インフィニティ GEAR V":  7,
	"インペリアルクラフト LUXE": 5,
	"ヴァーチェア SUPREME":  7,
	"エアシェル ライト":       2,
	"エアフロー EZ":        3,
	"エコシート リジェネレイト":   7,
	"エルゴクレスト II":      3,
	"オブシディアン PRIME":   7,
	"クエストチェア Lite":    3,
	"ゲーミングシート NEXUS":  3,
	"シェルシート ハイブリッド":   3,
	"シャドウバースト M":      5,
	"ステルスシート ROGUE":   5,
	"ストリームギア S1":      3,
	"スピンフレーム 01":      2,
	"スリムライン GX":       5,
	"ゼノバース ALPHA":     7,
	"ゼンバランス EX":       5,
	"タイタンフレーム ULTRA":  7,
	"チェアエース S":        2,
	"ナイトシート ブラックエディション": 7,
	"フォームライン RX":        3,
	"フューチャーステップ VISION": 7,
	"フューチャーチェア CORE":    5,
	"プレイスタイル Z":         3,
	"フレックスコンフォート PRO":   3,
	"プレミアムエアチェア ZETA":   5,
	"プロゲーマーエッジ X1":      5,
	"ベーシックスツール プラス":     2,
	"モーションチェア RISE":     5,
	"リカーブチェア スマート":      3,
	"リラックスシート NEO":      2,
	"リラックス座":            2,
	"ルミナスエアクラウン":        7,
	"匠座 PRO LIMITED":    7,
	"匠座（たくみざ）プレミアム":     7,
	"雅楽座":        5,
	"風雅（ふうが）チェア": 3,
}

// MatchingScheduler implements §4.G: a periodic, best-effort greedy
// matcher of waiting MATCHING rides to free chairs: rides are served in
// queue order (oldest first), each taking the free chair with minimum
// ETA (distance/speed, ties broken by chair id). Deliberately NOT the
// teacher's age-weighted/benchmark-aware scoring (see §9 decision) —
// this is the simpler policy SPEC_FULL.md calls for.
type MatchingScheduler struct {
	engine *Engine

	mu      sync.Mutex
	waiting []*Ride
	free    map[string]*Chair

	interval time.Duration
}

func NewMatchingScheduler(engine *Engine, interval time.Duration) *MatchingScheduler {
	return &MatchingScheduler{
		engine:   engine,
		free:     make(map[string]*Chair),
		interval: interval,
	}
}

func (m *MatchingScheduler) EnqueueWaiting(ride *Ride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiting = append(m.waiting, ride)
}

func (m *MatchingScheduler) MarkChairFree(chairID string) {
	chair, ok := m.engine.store.chairsByID.Get(chairID)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free[chairID] = chair
}

func (m *MatchingScheduler) MarkChairUnavailable(chairID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.free, chairID)
}

// Run drives the ticker loop until ctx is canceled.
func (m *MatchingScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

type candidateMatch struct {
	ride  *Ride
	chair *Chair
	eta   float64
	order int
}

func (m *MatchingScheduler) tick(ctx context.Context) {
	m.mu.Lock()
	waiting := m.waiting
	m.waiting = nil
	free := make([]*Chair, 0, len(m.free))
	for _, c := range m.free {
		free = append(free, c)
	}
	m.mu.Unlock()

	if len(waiting) == 0 || len(free) == 0 {
		m.requeue(waiting, free)
		return
	}

	candidates := make([]candidateMatch, 0, len(waiting)*len(free))
	for order, ride := range waiting {
		for _, chair := range free {
			speed := chairModelSpeedCache[chair.Model]
			if speed <= 0 {
				continue
			}
			loc, ok := m.engine.location.Latest(chair.ID)
			if !ok {
				continue
			}
			dist := loc.Distance(ride.Pickup())
			eta := float64(dist) / float64(speed)
			candidates = append(candidates, candidateMatch{ride: ride, chair: chair, eta: eta, order: order})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].order != candidates[j].order {
			return candidates[i].order < candidates[j].order
		}
		if candidates[i].eta != candidates[j].eta {
			return candidates[i].eta < candidates[j].eta
		}
		return candidates[i].chair.ID < candidates[j].chair.ID
	})

	matchedRide := make(map[string]bool, len(waiting))
	matchedChair := make(map[string]bool, len(free))
	var unmatchedRides []*Ride
	var unmatchedChairs []*Chair

	for _, c := range candidates {
		if matchedRide[c.ride.ID] || matchedChair[c.chair.ID] {
			continue
		}
		if err := m.engine.AssignChair(ctx, c.ride, c.chair); err != nil {
			slog.Error("matching: assign failed", slog.String("ride_id", c.ride.ID), slog.String("chair_id", c.chair.ID), slog.String("error", err.Error()))
			continue
		}
		matchedRide[c.ride.ID] = true
		matchedChair[c.chair.ID] = true
	}

	for _, r := range waiting {
		if !matchedRide[r.ID] {
			unmatchedRides = append(unmatchedRides, r)
		}
	}
	for _, c := range free {
		if !matchedChair[c.ID] {
			unmatchedChairs = append(unmatchedChairs, c)
		}
	}
	m.requeue(unmatchedRides, unmatchedChairs)
}

func (m *MatchingScheduler) requeue(rides []*Ride, chairs []*Chair) {
	if len(rides) == 0 && len(chairs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiting = append(rides, m.waiting...)
	for _, c := range chairs {
		m.free[c.ID] = c
	}
}

func (m *MatchingScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiting = nil
	m.free = make(map[string]*Chair)
}
