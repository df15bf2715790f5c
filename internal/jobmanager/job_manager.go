// ============================================================================
// postbox 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理任務記錄、依賴驗證與狀態轉換
//
// 任務狀態轉換 (State Machine):
//   unscheduled (待排程)
//      ↓ AssignChain() + Transition(scheduled)
//   scheduled (已綁定 chain)
//      ↓ Transition(running)      提交到求解器
//   running (執行中)
//      ↓ Transition(done) / Transition(failed)
//   done (已完成，模型存於 save_path/SID) / failed (失敗)
//      failed ↓ Transition(unscheduled)   手動重試，清除 chain
//
// 狀態轉換規則:
//   - 只接受 transitions 表中列出的邊，其餘一律回傳 IllegalTransition
//   - done 是終止狀態，永久保留作為歷史與後續依賴
//
// 數據結構設計:
//   jobs map[SID]*Job - 主存儲
//   order []SID       - 插入順序，Serialize() 依此輸出
//   header / marker   - 載入時的表頭原樣保留
//
// 依賴解析:
//   dSID 必須指向 done 狀態的任務，或指向沒有任務記錄的舊模型
//   (legacy model)；兩種情況下 save_path/dSID 的必要檔案都必須齊全。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/postbox/internal/storage/flatfile"
	"github.com/ChuLiYu/postbox/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// SID 重複（資料完整性錯誤）
	ErrDuplicateSID = errors.New("duplicate SID")
	// 依賴無法解析
	ErrUnresolvedDependency = errors.New("unresolved dependency")
	// 非法狀態轉換
	ErrIllegalTransition = errors.New("illegal transition")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 六位數 SID 已用盡
	ErrSIDExhausted = errors.New("no free SID left")
	// chain 綁定只允許在 unscheduled 且尚未綁定的任務上
	ErrChainAssignment = errors.New("chain cannot be assigned")
)

// DuplicateSIDError 指出重複的 SID 與其所在行
type DuplicateSIDError struct {
	SID  types.SID
	Line int
}

func (e *DuplicateSIDError) Error() string {
	return fmt.Sprintf("duplicate SID %s at line %d", e.SID, e.Line)
}

func (e *DuplicateSIDError) Unwrap() error { return ErrDuplicateSID }

// DependencyError 說明 dSID 為何無法解析
type DependencyError struct {
	DependsOn types.SID
	Reason    string
	Err       error // 底層原因（例如缺少的模型檔案），可能為 nil
}

func (e *DependencyError) Error() string {
	msg := fmt.Sprintf("unresolved dependency SID %s: %s", e.DependsOn, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DependencyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnresolvedDependency}
	}
	return []error{ErrUnresolvedDependency, e.Err}
}

// TransitionError 描述被拒絕的狀態轉換
type TransitionError struct {
	SID    types.SID
	From   types.Status
	To     types.Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("illegal transition of SID %s: %s -> %s", e.SID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// ============================================================================
// 狀態轉換表
// ============================================================================

var transitions = map[types.Status][]types.Status{
	types.StatusUnscheduled: {types.StatusScheduled},
	types.StatusScheduled:   {types.StatusRunning},
	types.StatusRunning:     {types.StatusDone, types.StatusFailed},
	types.StatusFailed:      {types.StatusUnscheduled},
}

// CanTransition 回報 from -> to 是否在轉換表中
func CanTransition(from, to types.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ============================================================================
// 資料結構定義
// ============================================================================

// ModelVerifier 檢查 save_path/SID 是否為完整的已存模型
//
// Exists 回報 save_path/SID 是否存在（完整與否皆算），
// 已有模型目錄的 SID 不會再分配給新任務
type ModelVerifier interface {
	Verify(sid types.SID) error
	Exists(sid types.SID) bool
}

// JobManager 代表任務管理器
type JobManager struct {
	mu     sync.RWMutex
	jobs   map[types.SID]*types.Job
	order  []types.SID
	header string
	marker string
	models ModelVerifier
}

// NewJobManager 建立空的任務管理器
//
// 參數說明：
//   - models: 用於驗證依賴模型檔案的模型庫
//
// 使用範例：
//
//	jm := NewJobManager(modelstore.New(cfg.SavePath, cfg.WRDataPath))
//	if err := jm.Load(data); err != nil {
//	    return err
//	}
func NewJobManager(models ModelVerifier) *JobManager {
	return &JobManager{
		jobs:   make(map[types.SID]*types.Job),
		order:  make([]types.SID, 0),
		header: flatfile.DatabaseHeader,
		marker: flatfile.DatabaseMarker,
		models: models,
	}
}

// ============================================================================
// 載入與序列化
// ============================================================================

// Load 解析資料庫文字並取代目前所有任務
//
// 錯誤處理：
//   - flatfile.ErrMalformedRow: 任一行不符合六欄格式（含行號）
//   - ErrDuplicateSID: SID 重複出現
func (jm *JobManager) Load(data []byte) error {
	db, err := flatfile.DecodeDatabase(data)
	if err != nil {
		return err
	}
	return jm.LoadDatabase(db)
}

// LoadDatabase 從已解碼的資料庫載入任務
func (jm *JobManager) LoadDatabase(db *flatfile.Database) error {
	jobs := make(map[types.SID]*types.Job, len(db.Jobs))
	order := make([]types.SID, 0, len(db.Jobs))
	for i, job := range db.Jobs {
		if _, exists := jobs[job.SID]; exists {
			line := 0
			if i < len(db.Lines) {
				line = db.Lines[i]
			}
			return &DuplicateSIDError{SID: job.SID, Line: line}
		}
		j := job.Clone()
		jobs[j.SID] = &j
		order = append(order, j.SID)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs = jobs
	jm.order = order
	jm.header = db.Header
	jm.marker = db.Marker
	return nil
}

// Database 以插入順序匯出資料庫
func (jm *JobManager) Database() *flatfile.Database {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	db := &flatfile.Database{Header: jm.header, Marker: jm.marker}
	for _, sid := range jm.order {
		db.Jobs = append(db.Jobs, jm.jobs[sid].Clone())
	}
	return db
}

// Serialize 產生確定性的資料庫文字：表頭原樣，任務依插入順序
func (jm *JobManager) Serialize() []byte {
	return jm.Database().Encode()
}

// ============================================================================
// 任務建立與依賴驗證
// ============================================================================

// Resolve 檢查 dep 是否可作為依賴
func (jm *JobManager) Resolve(dep types.SID) error {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.resolveLocked(dep)
}

func (jm *JobManager) resolveLocked(dep types.SID) error {
	if !dep.Valid() {
		return &DependencyError{DependsOn: dep, Reason: "no dependency given"}
	}
	if job, exists := jm.jobs[dep]; exists && job.Status != types.StatusDone {
		return &DependencyError{DependsOn: dep, Reason: fmt.Sprintf("job is %s, not done", job.Status)}
	}
	if jm.models == nil {
		return nil
	}
	if err := jm.models.Verify(dep); err != nil {
		return &DependencyError{DependsOn: dep, Reason: "saved model not usable", Err: err}
	}
	return nil
}

// Create 為 dep 建立新任務，分配最小未使用的 SID，狀態為 unscheduled
//
// 錯誤處理：
//   - ErrUnresolvedDependency: dep 不是 done 任務，也不是完整的舊模型
//   - ErrSIDExhausted: 000001..999999 全部使用中
func (jm *JobManager) Create(dep types.SID, params []types.Param, comment string) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if err := jm.resolveLocked(dep); err != nil {
		return types.Job{}, err
	}

	sid, err := jm.nextSIDLocked(dep)
	if err != nil {
		return types.Job{}, err
	}

	job := &types.Job{
		SID:       sid,
		Status:    types.StatusUnscheduled,
		Chain:     types.NoChain,
		DependsOn: dep,
		Params:    append([]types.Param(nil), params...),
		Comment:   comment,
	}
	jm.jobs[sid] = job
	jm.order = append(jm.order, sid)
	return job.Clone(), nil
}

// nextSIDLocked 回傳最小的未使用 SID
//
// 已使用的 SID：資料庫中的任務、save_path 下已有目錄的舊模型，以及 dep 本身
func (jm *JobManager) nextSIDLocked(dep types.SID) (types.SID, error) {
	for sid := types.SID(1); sid <= types.MaxSID; sid++ {
		if _, used := jm.jobs[sid]; used || sid == dep {
			continue
		}
		if jm.models != nil && jm.models.Exists(sid) {
			continue
		}
		return sid, nil
	}
	return types.NoSID, ErrSIDExhausted
}

// Discard 回滾同一輪中剛建立、但未能取得 chain 的任務
func (jm *JobManager) Discard(sid types.SID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[sid]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, sid)
	}
	if job.Status != types.StatusUnscheduled || job.Chain != types.NoChain {
		return &TransitionError{SID: sid, From: job.Status, To: job.Status, Reason: "only unbound unscheduled jobs can be discarded"}
	}

	delete(jm.jobs, sid)
	for i, s := range jm.order {
		if s == sid {
			jm.order = append(jm.order[:i], jm.order[i+1:]...)
			break
		}
	}
	return nil
}

// ============================================================================
// 狀態轉換
// ============================================================================

// AssignChain 為 unscheduled 任務綁定 chain
func (jm *JobManager) AssignChain(sid types.SID, chain types.ChainID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[sid]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, sid)
	}
	if job.Status != types.StatusUnscheduled || job.Chain != types.NoChain || chain == types.NoChain {
		return fmt.Errorf("%w: SID %s is %s on chain %q", ErrChainAssignment, sid, job.Status, job.Chain)
	}
	job.Chain = chain
	return nil
}

// Transition 依轉換表變更任務狀態
//
// 特殊規則：
//   - unscheduled -> scheduled 需要先 AssignChain
//   - failed -> unscheduled 清除 chain 綁定
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrIllegalTransition: 轉換不在表中
func (jm *JobManager) Transition(sid types.SID, to types.Status) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[sid]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, sid)
	}
	if !CanTransition(job.Status, to) {
		return &TransitionError{SID: sid, From: job.Status, To: to}
	}
	if to == types.StatusScheduled && job.Chain == types.NoChain {
		return &TransitionError{SID: sid, From: job.Status, To: to, Reason: "no chain bound"}
	}

	if job.Status == types.StatusFailed && to == types.StatusUnscheduled {
		job.Chain = types.NoChain
	}
	job.Status = to
	return nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務副本
func (jm *JobManager) Get(sid types.SID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, exists := jm.jobs[sid]
	if !exists {
		return types.Job{}, false
	}
	return job.Clone(), true
}

// Jobs 以插入順序回傳所有任務副本
func (jm *JobManager) Jobs() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	out := make([]types.Job, 0, len(jm.order))
	for _, sid := range jm.order {
		out = append(out, jm.jobs[sid].Clone())
	}
	return out
}

// FilterByStatus 回傳指定狀態的任務，依 SID 排序
func (jm *JobManager) FilterByStatus(status types.Status) []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	var out []types.Job
	for _, job := range jm.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// BoundChains 回傳 scheduled/running 任務佔用的 chain -> SID
//
// done/failed 任務保留的 chain 號碼只是歷史記錄，不視為佔用。
func (jm *JobManager) BoundChains() map[types.ChainID]types.SID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	bound := make(map[types.ChainID]types.SID)
	for _, sid := range jm.order {
		job := jm.jobs[sid]
		if job.Chain == types.NoChain {
			continue
		}
		if job.Status == types.StatusScheduled || job.Status == types.StatusRunning {
			bound[job.Chain] = sid
		}
	}
	return bound
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() map[types.Status]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	stats := make(map[types.Status]int, len(types.Statuses))
	for _, s := range types.Statuses {
		stats[s] = 0
	}
	for _, job := range jm.jobs {
		stats[job.Status]++
	}
	return stats
}

// Len 回傳任務總數
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}
