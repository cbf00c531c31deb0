package orchestrator

import "sync"

// Default watermarks.
const (
	defaultHighWatermark = 1000
	defaultLowWatermark  = 600
)

// PressureController — двухпороговый гистерезис backpressure.
//
// Выше верхнего порога диспетчеризация элементов циклов приостанавливается;
// одиночные шаги критического пути продолжают идти. Возобновление — только
// после падения ниже нижнего порога, чтобы не осциллировать вокруг одного
// значения.
type PressureController struct {
	high int
	low  int

	mu     sync.Mutex
	paused bool
}

// NewPressureController создаёт контроллер с заданными порогами.
// Нулевые или некорректные пороги заменяются значениями по умолчанию.
func NewPressureController(high, low int) *PressureController {
	if high <= 0 {
		high = defaultHighWatermark
	}
	if low <= 0 || low >= high {
		low = high * 6 / 10
	}
	return &PressureController{high: high, low: low}
}

// Observe обновляет состояние по текущему числу незавершённых задач.
// Возвращает true, если пауза только что снята — сигнал допоставить
// отложенные элементы циклов.
func (p *PressureController) Observe(inFlight int) (released bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case !p.paused && inFlight >= p.high:
		p.paused = true
	case p.paused && inFlight <= p.low:
		p.paused = false
		return true
	}
	return false
}

// Paused возвращает true, если диспетчеризация элементов циклов
// приостановлена.
func (p *PressureController) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}
