package launcher

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoFreePort 范围内没有可用的调试端口
var ErrNoFreePort = errors.New("no free inspector port")

// PortManager 调试端口分配器，同一端口不会同时分给两个运行时
// 分配从上一次的位置继续，刚释放的端口不会立刻被复用
type PortManager struct {
	mu        sync.Mutex
	host      string
	first     int
	last      int
	cursor    int
	allocated map[int]struct{}
}

// NewPortManager 创建端口分配器，范围为 [first, last]
func NewPortManager(host string, first, last int) *PortManager {
	return &PortManager{
		host:      host,
		first:     first,
		last:      last,
		cursor:    first,
		allocated: make(map[int]struct{}),
	}
}

// Allocate 取一个未分配且当前无人监听的端口
func (pm *PortManager) Allocate() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	size := pm.last - pm.first + 1
	for i := 0; i < size; i++ {
		port := pm.first + (pm.cursor-pm.first+i)%size
		if _, taken := pm.allocated[port]; taken || !pm.free(port) {
			continue
		}
		pm.allocated[port] = struct{}{}
		pm.cursor = port + 1
		if pm.cursor > pm.last {
			pm.cursor = pm.first
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w in %s:%d-%d", ErrNoFreePort, pm.host, pm.first, pm.last)
}

// Release 归还端口
func (pm *PortManager) Release(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.allocated, port)
}

// InUse 已分配端口数
func (pm *PortManager) InUse() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.allocated)
}

// free 试探性监听一次
func (pm *PortManager) free(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(pm.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
