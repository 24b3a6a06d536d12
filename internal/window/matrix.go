// Package window は時間ウィンドウの競合判定とライフサイクル管理を提供する。
//
// 競合判定（Resolver）はストアにもイベントにも触れない純粋な判定器で、
// 書き込みとイベント追記はServiceだけが行う。
package window

import (
	"log/slog"
	"sort"

	"github.com/hitoshi/fastman/internal/model"
)

// ConflictType は2つのウィンドウ種別の関係を表す。
type ConflictType string

const (
	// ConflictMutualExclusive は同時に開けない排他関係。
	ConflictMutualExclusive ConflictType = "mutual_exclusive"
	// ConflictParentChild は親の中に子をネストできる関係。
	ConflictParentChild ConflictType = "parent_child"
	// ConflictIndependent は互いに制約しない関係。
	ConflictIndependent ConflictType = "independent"
)

// Rule は種別ペアの競合規則を表す。
// ParentとChildIndependentはparent_childの場合にのみ意味を持つ。
type Rule struct {
	Type             ConflictType
	Parent           model.WindowType // 親となる種別
	ChildIndependent bool             // 親が開いていなくても子を単独で開けるか
}

// Matrix はウィンドウ種別ペアごとの競合規則表。
// 格納は順序無依存で、参照時にペアが正規化される。
type Matrix struct {
	rules map[[2]model.WindowType]Rule
}

// NewMatrix は空の規則表を生成する。
func NewMatrix() *Matrix {
	return &Matrix{rules: make(map[[2]model.WindowType]Rule)}
}

// Set はペアの規則を登録する。同じペアへの再登録は上書きになる。
func (m *Matrix) Set(a, b model.WindowType, rule Rule) {
	m.rules[pairKey(a, b)] = rule
}

// Lookup はペアの規則を返す。未定義の場合は第2戻り値がfalseになる。
func (m *Matrix) Lookup(a, b model.WindowType) (Rule, bool) {
	rule, ok := m.rules[pairKey(a, b)]
	return rule, ok
}

// ParentRulesForChild は指定種別を子とするparent_child規則を親の種別順で返す。
func (m *Matrix) ParentRulesForChild(child model.WindowType) []Rule {
	var rules []Rule
	for key, rule := range m.rules {
		if rule.Type != ConflictParentChild || rule.Parent == child {
			continue
		}
		if key[0] == child || key[1] == child {
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		return typeRank(rules[i].Parent) < typeRank(rules[j].Parent)
	})
	return rules
}

// DefaultMatrix は全種別ペアを網羅した既定の規則表を返す。
//
//	fast-eating:      mutual_exclusive（断食中は食事できない）
//	fast-workout:     parent_child（断食を親として運動をネスト可。運動単独も可）
//	fast-recovery:    independent
//	eating-workout:   mutual_exclusive
//	eating-recovery:  independent
//	workout-recovery: mutual_exclusive
func DefaultMatrix() *Matrix {
	m := NewMatrix()
	m.Set(model.WindowTypeFast, model.WindowTypeEating, Rule{Type: ConflictMutualExclusive})
	m.Set(model.WindowTypeFast, model.WindowTypeWorkout, Rule{
		Type:             ConflictParentChild,
		Parent:           model.WindowTypeFast,
		ChildIndependent: true,
	})
	m.Set(model.WindowTypeFast, model.WindowTypeRecovery, Rule{Type: ConflictIndependent})
	m.Set(model.WindowTypeEating, model.WindowTypeWorkout, Rule{Type: ConflictMutualExclusive})
	m.Set(model.WindowTypeEating, model.WindowTypeRecovery, Rule{Type: ConflictIndependent})
	m.Set(model.WindowTypeWorkout, model.WindowTypeRecovery, Rule{Type: ConflictMutualExclusive})
	return m
}

// DecisionKind は許可判定の結果種別を表す。
type DecisionKind string

const (
	// DecisionAdmit はそのまま開始を許可する判定。
	DecisionAdmit DecisionKind = "admit"
	// DecisionReject は開始を拒否する判定。
	DecisionReject DecisionKind = "reject"
	// DecisionAdmitAndClose は既存ウィンドウを中断したうえで開始を許可する判定。
	DecisionAdmitAndClose DecisionKind = "admit_and_close"
)

// Decision は候補ウィンドウの許可判定結果。
type Decision struct {
	Kind        DecisionKind
	Reason      string   // rejectの理由
	BlockingIDs []string // rejectのとき、許可を妨げたウィンドウID
	CloseIDs    []string // admit_and_closeのとき、先に中断するウィンドウID（評価順）
}

// Resolver は競合マトリクスに基づく純粋な許可判定器。
type Resolver struct {
	matrix *Matrix
}

// NewResolver はResolverを生成する。
func NewResolver(matrix *Matrix) *Resolver {
	return &Resolver{matrix: matrix}
}

// Decide は候補種別とオープンウィンドウ集合から許可判定を行う。
//
// 評価は（種別ランク, start_time, id）の昇順で行われ、同じ入力は常に同じ結果になる。
// 同種別の二重オープンは常に拒否で、auto_closeでも上書きできない。
// いずれかのウィンドウが拒否を生じさせる場合は全体が拒否になる（REJECT優先）。
// 規則未定義のペアは独立として扱い、設定漏れとして記録する。
func (r *Resolver) Decide(candidate model.WindowType, open []*model.TimeWindow, autoClose bool) Decision {
	ordered := orderForEvaluation(open)

	var blockingIDs []string
	var rejectReason string
	var closeIDs []string

	reject := func(id, reason string) {
		blockingIDs = append(blockingIDs, id)
		if rejectReason == "" {
			rejectReason = reason
		}
	}

	for _, w := range ordered {
		if w.WindowType == candidate {
			reject(w.ID, "同じ種別のウィンドウが既に開いています")
			continue
		}

		rule, ok := r.matrix.Lookup(w.WindowType, candidate)
		if !ok {
			slog.Warn("conflict rule missing, treating as independent",
				slog.String("open_type", string(w.WindowType)),
				slog.String("candidate_type", string(candidate)),
			)
			continue
		}

		switch rule.Type {
		case ConflictIndependent:
			// 制約なし

		case ConflictMutualExclusive:
			if autoClose {
				closeIDs = append(closeIDs, w.ID)
			} else {
				reject(w.ID, "排他的なウィンドウが開いています")
			}

		case ConflictParentChild:
			// 親の中で子を開くのは許可。子が開いている間に親は開けない。
			if candidate == rule.Parent {
				reject(w.ID, "子ウィンドウが開いているため親を開始できません")
			}
		}
	}

	if len(blockingIDs) > 0 {
		return Decision{Kind: DecisionReject, Reason: rejectReason, BlockingIDs: blockingIDs}
	}

	// 親必須の子種別は、親が開いていなければ開始できない
	for _, rule := range r.matrix.ParentRulesForChild(candidate) {
		if rule.ChildIndependent {
			continue
		}
		if !hasOpenOfType(ordered, rule.Parent) {
			return Decision{Kind: DecisionReject, Reason: "親ウィンドウが必要です"}
		}
	}

	if len(closeIDs) > 0 {
		return Decision{Kind: DecisionAdmitAndClose, CloseIDs: closeIDs}
	}

	return Decision{Kind: DecisionAdmit}
}

// orderForEvaluation は入力を変更せずに評価順（種別ランク, start_time, id昇順）のコピーを返す。
func orderForEvaluation(open []*model.TimeWindow) []*model.TimeWindow {
	ordered := make([]*model.TimeWindow, len(open))
	copy(ordered, open)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if typeRank(a.WindowType) != typeRank(b.WindowType) {
			return typeRank(a.WindowType) < typeRank(b.WindowType)
		}
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.ID < b.ID
	})
	return ordered
}

func hasOpenOfType(open []*model.TimeWindow, t model.WindowType) bool {
	for _, w := range open {
		if w.WindowType == t {
			return true
		}
	}
	return false
}

// pairKey は種別ペアを順序正規化したマップキーに変換する。
func pairKey(a, b model.WindowType) [2]model.WindowType {
	if typeRank(a) > typeRank(b) {
		a, b = b, a
	}
	return [2]model.WindowType{a, b}
}

// typeRank は評価順を固定するための種別の序数を返す。
func typeRank(t model.WindowType) int {
	switch t {
	case model.WindowTypeFast:
		return 0
	case model.WindowTypeEating:
		return 1
	case model.WindowTypeWorkout:
		return 2
	case model.WindowTypeRecovery:
		return 3
	default:
		return 4
	}
}
