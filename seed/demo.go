package seed

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Demo collection names
const (
	CollectionCustomers = "customers"
	CollectionVehicles  = "vehicles"
	CollectionDrivers   = "drivers"
	CollectionJobs      = "jobs"
	CollectionInvoices  = "invoices"
)

// DemoPlan returns a three level dispatch dataset with size documents per
// collection. Drivers reference vehicles, jobs reference customers and
// invoices reference jobs.
func DemoPlan(size int) Plan {
	if size <= 0 {
		size = 10
	}
	return Plan{
		{
			{Name: CollectionCustomers, Generate: demoCustomers(size), Forceable: true},
			{Name: CollectionVehicles, Generate: demoVehicles(size), Forceable: true},
		},
		{
			{Name: CollectionDrivers, Generate: demoDrivers(size), Forceable: true},
			{Name: CollectionJobs, Generate: demoJobs(size), Forceable: true},
		},
		{
			{Name: CollectionInvoices, Generate: demoInvoices(size), Forceable: true},
		},
	}
}

var (
	demoFirstNames = []string{"Ada", "Grace", "Linus", "Ken", "Barbara", "Dennis", "Frances", "Rob"}
	demoLastNames  = []string{"Lovelace", "Hopper", "Torvalds", "Thompson", "Liskov", "Ritchie", "Allen", "Pike"}
	demoMakes      = []string{"Ford Transit", "Mercedes Sprinter", "Ram ProMaster", "Iveco Daily"}
	demoJobStatus  = []string{"scheduled", "in_progress", "completed"}
)

func pick(r *rand.Rand, values []string) string {
	return values[r.IntN(len(values))]
}

// demoRand is seeded per collection so repeated runs produce the same data
func demoRand(collection string) *rand.Rand {
	var seed uint64
	for _, b := range []byte(collection) {
		seed = seed*31 + uint64(b)
	}
	return rand.New(rand.NewPCG(seed, 0x5eed))
}

func demoCustomers(n int) Generator {
	return func(Refs) ([]any, error) {
		r := demoRand(CollectionCustomers)
		out := make([]any, 0, n)
		for i := range n {
			first, last := pick(r, demoFirstNames), pick(r, demoLastNames)
			out = append(out, map[string]any{
				"name":  first + " " + last,
				"email": fmt.Sprintf("customer%03d@example.com", i),
				"phone": fmt.Sprintf("+1-555-%04d", r.IntN(10000)),
			})
		}
		return out, nil
	}
}

func demoVehicles(n int) Generator {
	return func(Refs) ([]any, error) {
		r := demoRand(CollectionVehicles)
		out := make([]any, 0, n)
		for i := range n {
			out = append(out, map[string]any{
				"model": pick(r, demoMakes),
				"plate": fmt.Sprintf("SS-%04d", i),
				"year":  2015 + r.IntN(10),
			})
		}
		return out, nil
	}
}

func requireRefs(refs Refs, collection string) ([]string, error) {
	ids := refs[collection]
	if len(ids) == 0 {
		return nil, fmt.Errorf("no %s to reference", collection)
	}
	return ids, nil
}

func demoDrivers(n int) Generator {
	return func(refs Refs) ([]any, error) {
		vehicles, err := requireRefs(refs, CollectionVehicles)
		if err != nil {
			return nil, err
		}
		r := demoRand(CollectionDrivers)
		out := make([]any, 0, n)
		for i := range n {
			out = append(out, map[string]any{
				"name":      pick(r, demoFirstNames) + " " + pick(r, demoLastNames),
				"vehicleId": vehicles[i%len(vehicles)],
			})
		}
		return out, nil
	}
}

func demoJobs(n int) Generator {
	return func(refs Refs) ([]any, error) {
		customers, err := requireRefs(refs, CollectionCustomers)
		if err != nil {
			return nil, err
		}
		r := demoRand(CollectionJobs)
		base := time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)
		out := make([]any, 0, n)
		for i := range n {
			out = append(out, map[string]any{
				"customerId":  customers[r.IntN(len(customers))],
				"status":      pick(r, demoJobStatus),
				"scheduledAt": base.Add(time.Duration(i) * 6 * time.Hour).Format(time.RFC3339),
			})
		}
		return out, nil
	}
}

func demoInvoices(n int) Generator {
	return func(refs Refs) ([]any, error) {
		jobs, err := requireRefs(refs, CollectionJobs)
		if err != nil {
			return nil, err
		}
		r := demoRand(CollectionInvoices)
		out := make([]any, 0, n)
		for i := range n {
			out = append(out, map[string]any{
				"jobId":       jobs[i%len(jobs)],
				"amountCents": 5000 + r.IntN(95000),
				"paid":        r.IntN(2) == 0,
			})
		}
		return out, nil
	}
}
