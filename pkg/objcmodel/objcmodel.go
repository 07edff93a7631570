// Package objcmodel describes the pre-parsed Objective-C class graph that a
// binary parser hands to the cache builder. It is deliberately thin: no
// VM addresses, no relocation fixups, no Mach-O section plumbing — those
// belong to the binary parser, an external collaborator (see spec §1).
//
// Shapes are grounded on github.com/blacktop/go-macho's
// types/objc/{class,category}.go, stripped down to what the placement
// solver actually needs: names, method lists, and superclass/category
// linkage, including cross-dylib references.
package objcmodel

// Method is a single Objective-C method: all the solver cares about is its
// selector name.
type Method struct {
	Name string
}

// Class is one Objective-C class or metaclass as seen in a single dylib.
// Superclass and Metaclass are pointers so that cross-dylib hierarchies can
// be represented without copying: the graph builder never owns these
// pointers, it only walks them (spec §9, "cyclic cross-dylib references").
type Class struct {
	Name            string
	IsMetaclass     bool
	IsRootClass     bool
	DeclaringDylib  *Dylib
	Superclass      *Class
	SuperclassDylib *Dylib
	Metaclass       *Class
	Methods         []Method
}

// Category is an Objective-C category. Class/ClassDylib are nil when the
// category's target class could not be resolved (e.g. a weak import that
// was missing at parse time); the graph builder skips those.
type Category struct {
	Name            string
	Class           *Class
	ClassDylib      *Dylib
	InstanceMethods []Method
	ClassMethods    []Method
}

// Dylib is one Mach-O image's worth of pre-parsed classes and categories.
type Dylib struct {
	InstallName string
	Classes     []*Class
	Categories  []*Category
}

// ClassKey identifies a class independent of which dylib copy is being
// looked at: (name, metaclass-ness). Used to detect duplicate class names
// across dylibs (spec §3 "Duplicate class").
type ClassKey struct {
	Name        string
	IsMetaclass bool
}

func KeyOf(c *Class) ClassKey {
	return ClassKey{Name: c.Name, IsMetaclass: c.IsMetaclass}
}

// ClassLocator refers to a class across dylib boundaries by value, used for
// flattening-hierarchy fallback classes (spec §3 ClassLocator).
type ClassLocator struct {
	InstallName string
	ClassName   string
	IsMetaclass bool
}

func LocatorOf(dylib *Dylib, c *Class) ClassLocator {
	installName := ""
	if dylib != nil {
		installName = dylib.InstallName
	}
	return ClassLocator{InstallName: installName, ClassName: c.Name, IsMetaclass: c.IsMetaclass}
}
