package controller

import (
	"github.com/ctagard/stepdbg/internal/runtime/scripted"
)

const averageSrc = `def average(numbers):
    total = sum(numbers)
    return total / len(numbers)

values = []
result = average(values)
print(result)
`

// averageProgram divides by the length of an empty list.
func averageProgram() *scripted.Program {
	return &scripted.Program{
		File:   "average.py",
		Source: averageSrc,
		Main: func(t *scripted.Thread) {
			t.Line(5)
			t.Set("values", []any{})
			t.Line(6)
			res := t.Call("average", 1, func() any {
				t.Set("numbers", t.Get("values"))
				t.Line(2)
				nums := t.Get("numbers").([]any)
				total := 0
				for _, n := range nums {
					total += n.(int)
				}
				t.Set("total", total)
				t.Line(3)
				if len(nums) == 0 {
					t.Raise("ZeroDivisionError", "division by zero")
				}
				return float64(total) / float64(len(nums))
			})
			t.Set("result", res)
			t.Line(7)
		},
	}
}

const configSrc = `def get_port(config):
    key = "port"
    return config[key]

settings = {"host": "localhost"}
port = get_port(settings)
`

// configProgram looks up a key that is not there.
func configProgram() *scripted.Program {
	return &scripted.Program{
		File:   "config.py",
		Source: configSrc,
		Main: func(t *scripted.Thread) {
			t.Line(5)
			t.Set("settings", map[string]any{"host": "localhost"})
			t.Line(6)
			port := t.Call("get_port", 1, func() any {
				t.Set("config", t.Get("settings"))
				t.Line(2)
				t.Set("key", "port")
				t.Line(3)
				cfg := t.Get("config").(map[string]any)
				key := t.Get("key").(string)
				v, ok := cfg[key]
				if !ok {
					t.Raise("KeyError", "'"+key+"'")
				}
				return v
			})
			t.Set("port", port)
		},
	}
}

const factSrc = `def fact(n):
    if n <= 1:
        return 1
    return n * fact(n - 1)

print(fact(4))
`

// factProgram computes 4! recursively.
func factProgram() *scripted.Program {
	return &scripted.Program{
		File:   "fact.py",
		Source: factSrc,
		Main: func(t *scripted.Thread) {
			var fact func(n int) any
			fact = func(n int) any {
				return t.Call("fact", 1, func() any {
					t.Set("n", n)
					t.Line(2)
					if n <= 1 {
						t.Line(3)
						return 1
					}
					t.Line(4)
					return n * fact(n-1).(int)
				})
			}
			t.Line(6)
			t.Set("answer", fact(4))
		},
	}
}

const loopSrc = `total = 0
for i in range(4):
    total += i
print(total)
`

// loopProgram sums a four-iteration loop.
func loopProgram() *scripted.Program {
	return &scripted.Program{
		File:   "loop.py",
		Source: loopSrc,
		Main: func(t *scripted.Thread) {
			t.Line(1)
			total := 0
			t.Set("total", total)
			for i := 0; i < 4; i++ {
				t.Line(2)
				t.Set("i", i)
				t.Line(3)
				total += i
				t.Set("total", total)
			}
			t.Line(4)
		},
	}
}

// spinProgram never ends on its own.
func spinProgram() *scripted.Program {
	return &scripted.Program{
		File:   "spin.py",
		Source: "while True:\n    n += 1\n",
		Main: func(t *scripted.Thread) {
			n := 0
			for {
				t.Line(1)
				n++
				t.Set("n", n)
				t.Line(2)
			}
		},
	}
}

// bigProgram holds a number large enough to make evaluation slow.
func bigProgram() *scripted.Program {
	return &scripted.Program{
		File:   "big.py",
		Source: "n = 100000000\nprint(n)\n",
		Main: func(t *scripted.Thread) {
			t.Line(1)
			t.Set("n", 100000000)
			t.Set("__name__", "__main__")
			t.Line(2)
		},
	}
}
