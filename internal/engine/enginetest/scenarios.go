package enginetest

const (
	// EchoPath prints a line and exits without ever stopping.
	EchoPath = "/bin/echo"
	// LoopPath is a small C program whose main.c:10 sits inside a loop body.
	LoopPath = "/tmp/debugbridge/loop"
)

// Programs returns the scripted programs shared by tests across packages.
func Programs() map[string]Program {
	return map[string]Program{
		EchoPath: {Steps: []Step{
			{File: "echo.c", Line: 1, Function: "main", Stdout: "hello\r\n"},
		}},
		LoopPath: {Steps: []Step{
			{File: "/src/loop/main.c", Line: 8, Function: "main"},
			{File: "/src/loop/main.c", Line: 9, Function: "main", Stdout: "tick\n"},
			{File: "/src/loop/main.c", Line: 4, Function: "work"},
			{File: "/src/loop/main.c", Line: 5, Function: "work", Stderr: "warn\n"},
			{File: "/src/loop/main.c", Line: 10, Function: "main"},
			{File: "/src/loop/main.c", Line: 11, Function: "main", Stdout: "done\n"},
		}},
	}
}
