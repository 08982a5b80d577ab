// Package clock 把时间来源抽象出来，心跳、超时清扫、重连退避都走这里，测试里可以换成假时钟。
package clock

import "time"

type Clock interface {
	Now() time.Time
	// AfterFunc 在 d 之后调用 f，返回的 Timer 可以取消
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
