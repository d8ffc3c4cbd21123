package registry

import (
	"sync"
	"testing"

	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/schema"
)

// 登録直後はPENDINGでスキーマなしであることを検証
func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New()
	st := r.Register(&model.App{ID: 1, Handle: "AbCdE"})

	if got := r.Get("AbCdE"); got != st {
		t.Error("Get should return the registered state")
	}
	if st.Status() != model.StatusPending {
		t.Errorf("Status = %q, want PENDING", st.Status())
	}
	if st.Schema() != nil {
		t.Error("Schema should be nil before publish")
	}
	if r.Get("nosuch") != nil {
		t.Error("Get should return nil for unknown handle")
	}
}

// 再登録はメタデータのみ更新し、実行時状態を保持することを検証
func TestRegistry_ReRegisterKeepsState(t *testing.T) {
	r := New()
	st := r.Register(&model.App{ID: 1, Handle: "AbCdE", GitRef: "main"})
	st.Publish(&schema.Schema{Name: "todo"})

	st2 := r.Register(&model.App{ID: 1, Handle: "AbCdE", GitRef: "develop"})
	if st2 != st {
		t.Fatal("re-register should return the same state")
	}
	if st2.App().GitRef != "develop" {
		t.Errorf("GitRef = %q, want develop", st2.App().GitRef)
	}
	if st2.Status() != model.StatusRunning {
		t.Errorf("Status = %q, want RUNNING after re-register", st2.Status())
	}
	if st2.Schema() == nil {
		t.Error("Schema should survive re-register")
	}
}

// Publish/MarkErrorの状態遷移とスキーマ保持を検証
func TestAppState_Transitions(t *testing.T) {
	r := New()
	st := r.Register(&model.App{ID: 1, Handle: "AbCdE"})

	first := &schema.Schema{Name: "v1"}
	st.Publish(first)
	if st.Status() != model.StatusRunning {
		t.Errorf("Status = %q, want RUNNING", st.Status())
	}
	if st.Schema() != first {
		t.Error("Schema should be the published one")
	}

	// sync失敗時は前回スキーマで応答し続ける
	st.MarkError()
	if st.Status() != model.StatusError {
		t.Errorf("Status = %q, want ERROR", st.Status())
	}
	if st.Schema() != first {
		t.Error("Schema should be retained on error")
	}

	second := &schema.Schema{Name: "v2"}
	st.Publish(second)
	if st.Status() != model.StatusRunning || st.Schema() != second {
		t.Error("re-publish should recover to RUNNING with new schema")
	}
}

// RemoveとAllの動作を検証
func TestRegistry_RemoveAndAll(t *testing.T) {
	r := New()
	r.Register(&model.App{ID: 1, Handle: "aaaaa"})
	r.Register(&model.App{ID: 2, Handle: "bbbbb"})

	if got := len(r.All()); got != 2 {
		t.Errorf("len(All()) = %d, want 2", got)
	}

	r.Remove("aaaaa")
	if r.Get("aaaaa") != nil {
		t.Error("removed handle should not resolve")
	}
	if got := len(r.All()); got != 1 {
		t.Errorf("len(All()) = %d, want 1", got)
	}
}

// 並行Publishと読み取りが競合しないことを検証（-race前提）
func TestAppState_ConcurrentPublish(t *testing.T) {
	r := New()
	st := r.Register(&model.App{ID: 1, Handle: "AbCdE"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			st.Publish(&schema.Schema{Name: "s"})
		}()
		go func() {
			defer wg.Done()
			_ = st.Schema()
			_ = st.Status()
		}()
	}
	wg.Wait()

	if st.Status() != model.StatusRunning {
		t.Errorf("Status = %q, want RUNNING", st.Status())
	}
}
