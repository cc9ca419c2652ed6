package trap

import "rvkernel/lock"

// ticksLock is the condition lock for the global tick channel spec.md
// 4.5's timer interrupt wakes every sleeper on ("increment a global tick
// counter, wake any sleepers on its channel"). ticksChan's identity (not
// its contents) is the channel: any sleeper parked here wakes once per
// tick and rechecks its own predicate against Uptime(), exactly as
// sysSleep does.
var (
	ticksLock = lock.MkSpinlock("ticks")
	ticksChan int
)

// sleepTicks parks the calling process on the tick channel, releasing
// cond (which must already be held) while asleep and re-acquiring it on
// return, same contract as lock.Sleep.
func sleepTicks(cond *lock.Spinlock_t) {
	lock.Sleep(&ticksChan, cond)
}

// wakeTicks runs once per simulated timer tick, from tickLoop, the hosted
// stand-in for the timer interrupt's wakeup(&ticks) call.
func wakeTicks() {
	lock.Wakeup(&ticksChan)
}
