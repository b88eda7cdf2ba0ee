package user

import (
	"sort"

	"github.com/me/batchos/internal/trap"
)

var builtins = map[string]trap.Program{
	"power_3": Main(power(3, 200000)),
	"power_5": Main(power(5, 140000)),
	"power_7": Main(power(7, 160000)),
	"sleep":   Main(Sleep(3000)),
	"hello":   Main(hello),
	"fault":   Main(badAddress),
}

// Builtin returns the built-in program called name.
func Builtin(name string) (trap.Program, bool) {
	p, ok := builtins[name]
	return p, ok
}

// BuiltinNames lists the built-in programs.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// power computes p^iter mod 998244353 in a ring buffer, yielding every
// 10000 steps.
func power(p uint64, iter int) func(u *trap.User) int32 {
	return func(u *trap.User) int32 {
		const (
			size = 100
			mod  = 998244353
		)
		var s [size]uint64
		cur := 0
		s[cur] = 1
		for i := 1; i <= iter; i++ {
			next := (cur + 1) % size
			s[next] = s[cur] * p % mod
			cur = next
			if i%10000 == 0 {
				Println(u, "power_%d [%d/%d]", p, i, iter)
				Yield(u)
			}
		}
		Println(u, "%d^%d = %d(MOD %d)", p, iter, s[cur], mod)
		Println(u, "Test power_%d OK!", p)
		return 0
	}
}

// Sleep returns a program that yields until ms milliseconds have passed.
func Sleep(ms int64) func(u *trap.User) int32 {
	return func(u *trap.User) int32 {
		wait := GetTime(u) + ms
		for GetTime(u) < wait {
			Yield(u)
		}
		Println(u, "Test sleep OK!")
		return 0
	}
}

func hello(u *trap.User) int32 {
	Println(u, "Hello, world!")
	return 0
}

// badAddress stores to address zero, which nothing maps.
func badAddress(u *trap.User) int32 {
	Println(u, "Into Test store_fault, we will insert an invalid store operation...")
	Println(u, "Kernel should kill this application!")
	u.Store(0, []byte{0})
	return 0
}
