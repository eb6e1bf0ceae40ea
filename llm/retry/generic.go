package retry

import "context"

// DoWithResultTyped 泛型版本的 DoWithResult。
// 结果在闭包中按 T 保存，失败时返回 T 的零值和最后一次错误。
func DoWithResultTyped[T any](r Retryer, ctx context.Context, fn func() (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
