package lib

import (
	"fmt"
	"sync"
)

var timerPool = &TimerPool{sp: sync.Pool{}, m: newPoolMetrics()}
var contextPool = &ContextPool{sp: sync.Pool{}, m: newPoolMetrics()}
var pendingWritePool = &PendingWritePool{sp: sync.Pool{}, m: newPoolMetrics()}

// StartPoolMetrics starts sampling the deadline timer, handler context and
// write queue pools.
func StartPoolMetrics() {
	timerPool.m.start()
	contextPool.m.start()
	pendingWritePool.m.start()
}

// ReleasePoolMetrics stops the samplers started by StartPoolMetrics.
func ReleasePoolMetrics() {
	timerPool.m.release()
	contextPool.m.release()
	pendingWritePool.m.release()
}

func JsonStringPoolMetrics() string {
	return fmt.Sprintf("{\"timerPool\" = %s, \"contextPool\" = %s, \"pendingWritePool\" = %s}",
		timerPool.m.metricsString(),
		contextPool.m.metricsString(),
		pendingWritePool.m.metricsString(),
	)
}
