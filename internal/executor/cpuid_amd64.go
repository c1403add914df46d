package executor

// cpuidRaw executes the CPUID instruction for the given leaf/subleaf and
// returns the four result registers, the way golang.org/x/sys/cpu's own
// cpuid stub does it — implemented directly here because the Cpuid OCALL
// literally forwards the enclave's expectation of an unprivileged CPUID
// result.
func cpuidRaw(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
